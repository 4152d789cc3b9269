package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/PedroFarias/mimo/sdk/golang/hub"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(tokenCmd)
	initCmd.Flags().StringVar(&initRole, "role", "customer", "customer or employee")
	initCmd.Flags().StringVar(&initName, "name", "", "first name shown to others (defaults to the uid)")
	initCmd.Flags().StringVar(&initSecret, "secret", "", "hub secret used to sign the token (defaults to [hub].secret or MIMO_SECRET)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Mimo configuration",
	Long:  "View or modify the Mimo CLI configuration stored in ~/.mimo/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'mimo init <endpoint> <uid>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: mimo config set client.role employee",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// ============================================================================
// init / token
// ============================================================================

var (
	initRole   string
	initName   string
	initSecret string
)

var initCmd = &cobra.Command{
	Use:   "init <endpoint> <uid>",
	Short: "Store the hub endpoint and a signed token in ~/.mimo/config.toml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, uid := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret := firstNonEmpty(initSecret, cfg.Hub.Secret, os.Getenv("MIMO_SECRET"))
		if secret == "" {
			return fmt.Errorf("no hub secret: pass --secret or set MIMO_SECRET")
		}

		cfg.Client.Endpoint = endpoint
		cfg.Client.UID = uid
		cfg.Client.Token = hub.SignToken(secret, uid)
		cfg.Client.FirstName = firstNonEmpty(initName, cfg.Client.FirstName, uid)
		if err := setConfigValue(cfg, "client.role", initRole); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Connection for %s (%s) saved to %s\n", uid, initRole, path)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <uid>",
	Short: "Print a connection token for uid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret := firstNonEmpty(cfg.Hub.Secret, os.Getenv("MIMO_SECRET"))
		if secret == "" {
			return fmt.Errorf("no hub secret: set [hub].secret or MIMO_SECRET")
		}
		fmt.Println(hub.SignToken(secret, args[0]))
		return nil
	},
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
