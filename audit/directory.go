package audit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"southwinds.dev/custody/internal/misc"
)

// Profile is the directory entry for one identity
type Profile struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Role         string   `yaml:"role,omitempty" json:"role,omitempty"`
	Organization string   `yaml:"organization,omitempty" json:"organization,omitempty"`
	Aliases      []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

const (
	RolePhysician    = "Physician"
	RoleOrganization = "Healthcare Organization"
	RoleInsurer      = "Insurance Provider"
	RolePatient      = "Patient"
	RoleProvider     = "Healthcare Provider"
)

// Directory resolves actor references (addresses, emails) to profiles
type Directory interface {
	Lookup(actorRef string) (Profile, bool)
}

// StaticDirectory is an in-memory directory, usually loaded from YAML:
//
//	profiles:
//	  - id: "0x742d35cc6634c0532925a3b844bc454e4438d8b6"
//	    name: Dr. Sarah Lee
//	    role: Physician
//	    organization: City General Hospital
//	    aliases: [sarah.lee@citygeneral.org]
type StaticDirectory struct {
	profiles  map[string]Profile
	canonical map[string]string // any ref -> profile id
}

type directoryFile struct {
	Profiles []Profile `yaml:"profiles"`
}

func NewStaticDirectory(profiles ...Profile) (*StaticDirectory, error) {
	d := &StaticDirectory{
		profiles:  make(map[string]Profile),
		canonical: make(map[string]string),
	}
	for _, p := range profiles {
		if err := d.add(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ParseDirectory reads the YAML directory format
func ParseDirectory(data []byte) (*StaticDirectory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse directory: %w", err)
	}
	return NewStaticDirectory(f.Profiles...)
}

func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	return ParseDirectory(data)
}

func (d *StaticDirectory) add(p Profile) error {
	id := NormalizeActorRef(p.ID)
	if id == "" {
		return fmt.Errorf("directory profile %q has no id", p.Name)
	}
	p.ID = id
	for _, ref := range append([]string{id}, p.Aliases...) {
		ref = NormalizeActorRef(ref)
		if owner, taken := d.canonical[ref]; taken && owner != id {
			return fmt.Errorf("directory reference %s is claimed by %s and %s", ref, owner, id)
		}
		d.canonical[ref] = id
	}
	d.profiles[id] = p
	return nil
}

func (d *StaticDirectory) Lookup(actorRef string) (Profile, bool) {
	if d == nil {
		return Profile{}, false
	}
	id, ok := d.canonical[NormalizeActorRef(actorRef)]
	if !ok {
		return Profile{}, false
	}
	return d.profiles[id], true
}

// Canonical returns the profile id for ref, or the normalized ref when unknown
func (d *StaticDirectory) Canonical(ref string) string {
	ref = NormalizeActorRef(ref)
	if d == nil {
		return ref
	}
	if id, ok := d.canonical[ref]; ok {
		return id
	}
	return ref
}

func (d *StaticDirectory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.profiles)
}

// DirectoryActorKey lets a Merger match an address and an email of the same profile
func DirectoryActorKey(d *StaticDirectory) func(string) string {
	return d.Canonical
}

// EnrichIdentity attaches the actor's identity to a copy of e.
// Directory misses fall back to a derived short identifier.
func EnrichIdentity(e Event, dir Directory) Event {
	if dir != nil {
		if p, ok := dir.Lookup(e.Actor); ok {
			e.Identity = &Identity{Name: p.Name, Role: p.Role, Organization: p.Organization}
			if e.Identity.Name == "" {
				e.Identity.Name = ShortIdentifier(e.Actor)
			}
			return e
		}
	}
	name := e.Metadata[MetaActorName]
	if name == "" {
		name = ShortIdentifier(e.Actor)
	}
	e.Identity = &Identity{Name: name, Role: DeriveRole(e.Actor), Derived: true}
	return e
}

// DeriveRole guesses a role from keywords in an actor reference. Unknown actors have no role.
func DeriveRole(actor string) string {
	a := NormalizeActorRef(actor)
	switch {
	case a == "" || a == NormalizeActorRef(UnknownActor):
		return ""
	case strings.Contains(a, "doctor") || strings.Contains(a, "dr."):
		return RolePhysician
	case strings.Contains(a, "hospital") || strings.Contains(a, "clinic"):
		return RoleOrganization
	case strings.Contains(a, "insurance"):
		return RoleInsurer
	case strings.Contains(a, "patient"):
		return RolePatient
	default:
		return RoleProvider
	}
}

// ShortIdentifier derives a display name: 0x742d...d8b6 for addresses,
// the local part for emails, "Unknown User" for the unknown sentinel.
func ShortIdentifier(actor string) string {
	actor = strings.TrimSpace(actor)
	switch {
	case actor == "" || actor == UnknownActor:
		return "Unknown User"
	case strings.HasPrefix(strings.ToLower(actor), "0x"):
		return misc.ShortRef(actor)
	case strings.Contains(actor, "@"):
		if local := actor[:strings.Index(actor, "@")]; local != "" {
			return local
		}
		return actor
	default:
		return misc.ShortRef(actor)
	}
}
