package pulse

import (
	"sort"
	"sync"
)

const unknownDisplayName = "Unknown"

// Directory resolves user ids to display profiles for the feed.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewDirectory(profiles ...Profile) *Directory {
	d := &Directory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

func (d *Directory) Put(p Profile) {
	if p.UserID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

// Lookup never fails; unknown users render as "Unknown".
func (d *Directory) Lookup(userID string) Profile {
	if d != nil {
		d.mu.RLock()
		p, ok := d.profiles[userID]
		d.mu.RUnlock()
		if ok {
			if p.DisplayName == "" {
				p.DisplayName = unknownDisplayName
			}
			return p
		}
	}
	return Profile{UserID: userID, DisplayName: unknownDisplayName, Emoji: "👤"}
}

func (d *Directory) Profiles() []Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
