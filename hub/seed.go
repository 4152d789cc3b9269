package hub

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// Seed describes the stores, their employees and user profiles a hub starts
// with.
type Seed struct {
	Stores []SeedStore `yaml:"stores"`
	Users  []SeedUser  `yaml:"users"`
}

// SeedAddress is a store address.
type SeedAddress struct {
	City         string `yaml:"city" json:"city"`
	Street       string `yaml:"street" json:"street"`
	Neighborhood string `yaml:"neighborhood" json:"neighborhood"`
}

// SeedStore is a store entry. Employees are user ids.
type SeedStore struct {
	UID         string      `yaml:"uid" json:"-"`
	Name        string      `yaml:"name" json:"name"`
	Categories  []string    `yaml:"categories" json:"categories"`
	Address     SeedAddress `yaml:"address" json:"address"`
	Logo        string      `yaml:"logo" json:"logo,omitempty"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Employees   []string    `yaml:"employees" json:"-"`
}

// SeedUser is a public user profile.
type SeedUser struct {
	UID       string `yaml:"uid" json:"-"`
	FirstName string `yaml:"firstName" json:"firstName"`
	LastName  string `yaml:"lastName" json:"lastName"`
	Email     string `yaml:"email" json:"email,omitempty"`
	Photo     string `yaml:"photo" json:"photo,omitempty"`
	Role      string `yaml:"role" json:"role"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed %s", path)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parse seed")
	}
	for _, st := range s.Stores {
		if !remote.ValidKey(st.UID) || st.Name == "" {
			return nil, errors.Newf("seed store %q needs a valid uid and a name", st.UID)
		}
	}
	for _, u := range s.Users {
		if !remote.ValidKey(u.UID) || (u.Role != "customer" && u.Role != "employee") {
			return nil, errors.Newf("seed user %q needs a valid uid and role", u.UID)
		}
	}
	return &s, nil
}

// ApplySeed writes the seed into the hub.
func (h *Hub) ApplySeed(ctx context.Context, s *Seed) error {
	for _, st := range s.Stores {
		if err := h.Write(ctx, remote.Join("stores", "public", st.UID), st); err != nil {
			return err
		}
		for _, eUID := range st.Employees {
			if err := h.Write(ctx, remote.Join("stores", "private", st.UID, "employees", eUID), true); err != nil {
				return err
			}
		}
	}
	for _, u := range s.Users {
		if err := h.Write(ctx, remote.Join("users", "public", u.UID), u); err != nil {
			return err
		}
	}
	h.log.InfoContext(ctx, "seed applied", "stores", len(s.Stores), "users", len(s.Users))
	return nil
}
