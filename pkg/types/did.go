package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ConstructDid is the content-derived identity of a construct.
type ConstructDid string

// Short returns the first eight hex characters, for logs and panel titles.
func (d ConstructDid) Short() string {
	if len(d) <= 8 {
		return string(d)
	}
	return string(d[:8])
}

// String implements fmt.Stringer.
func (d ConstructDid) String() string {
	return string(d)
}

// PackageDid is the identity of a package.
type PackageDid string

// Short returns the first eight hex characters.
func (d PackageDid) Short() string {
	if len(d) <= 8 {
		return string(d)
	}
	return string(d[:8])
}

// Digest hashes the given parts with a separator so that ("ab","c") and
// ("a","bc") never collide.
func Digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PackageId identifies a package: one per distinct source location.
type PackageId struct {
	Location string `json:"location"`
	Name     string `json:"name"`
}

// Did returns the package digest.
func (p PackageId) Did() PackageDid {
	return PackageDid(Digest("package", p.Location, p.Name))
}

// ConstructId identifies a construct inside a package.
type ConstructId struct {
	Package  PackageId `json:"package"`
	Kind     string    `json:"kind"`
	Location string    `json:"location"`
	Name     string    `json:"name"`
}

// Did returns the construct digest. It is stable for unchanged sources.
func (c ConstructId) Did() ConstructDid {
	return ConstructDid(Digest(string(c.Package.Did()), c.Kind, c.Location, c.Name))
}

// String renders the construct as kind.name, the way references spell it.
func (c ConstructId) String() string {
	return c.Kind + "." + c.Name
}

// EnvDid returns the identity used for an environment entry.
func EnvDid(key string) ConstructDid {
	return ConstructDid(Digest("runbook_input", key))
}

// RunbookId names a runbook within an organization and project.
type RunbookId struct {
	Org     string `json:"org,omitempty"`
	Project string `json:"project,omitempty"`
	Name    string `json:"name"`
}

// Did returns a digest of the runbook id.
func (r RunbookId) Did() string {
	return Digest("runbook", r.Org, r.Project, r.Name)
}

// String renders org/project/name, skipping empty parts.
func (r RunbookId) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Org, r.Project, r.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}
