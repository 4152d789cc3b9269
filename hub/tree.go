package hub

import (
	"sort"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// setIn returns node with value placed at segs. A nil value deletes; maps
// left empty are pruned. Maps along the path are modified in place.
func setIn(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, ok := node.(map[string]any)
	if !ok {
		if value == nil {
			return node
		}
		m = make(map[string]any)
	}
	child := setIn(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// diff computes the events a subscription sees when its node goes from
// before to after.
func diff(sub *subscription, before, after any) []remote.Event {
	if sub.kind == remote.Value {
		if remote.Equal(before, after) {
			return nil
		}
		return []remote.Event{{
			Kind:     remote.Value,
			Snapshot: remote.Snapshot{Path: sub.path, Value: remote.Clone(after)},
		}}
	}

	oldM, _ := before.(map[string]any)
	newM, _ := after.(map[string]any)
	var events []remote.Event
	for _, k := range unionKeys(oldM, newM) {
		o, inOld := oldM[k]
		n, inNew := newM[k]
		var ev remote.Event
		switch {
		case !inOld && inNew:
			ev.Kind = remote.ChildAdded
			ev.Value = n
		case inOld && !inNew:
			ev.Kind = remote.ChildRemoved
			ev.Value = o
		case !remote.Equal(o, n):
			ev.Kind = remote.ChildChanged
			ev.Value = n
		default:
			continue
		}
		if ev.Kind != sub.kind {
			continue
		}
		ev.Path = remote.Join(sub.path, k)
		ev.Value = remote.Clone(ev.Value)
		events = append(events, ev)
	}
	return events
}

// initial returns the events a new subscription replays.
func initial(sub *subscription, current any) []remote.Event {
	switch sub.kind {
	case remote.Value:
		return []remote.Event{{
			Kind:     remote.Value,
			Snapshot: remote.Snapshot{Path: sub.path, Value: remote.Clone(current)},
		}}
	case remote.ChildAdded:
		snap := remote.Snapshot{Path: sub.path, Value: remote.Clone(current)}
		children := snap.Children()
		events := make([]remote.Event, 0, len(children))
		for _, c := range children {
			events = append(events, remote.Event{Kind: remote.ChildAdded, Snapshot: c})
		}
		return events
	}
	return nil
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
