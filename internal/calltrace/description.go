package calltrace

import (
	"github.com/getsentry/calltracer/internal/host"
)

type (
	// CodeDescription is the source location of a call site.
	CodeDescription struct {
		Line     int
		Filename string
		Funcname string
	}

	descriptionKey struct {
		code  host.CodeID
		lasti int
	}

	description struct {
		CodeDescription
		resolved bool
	}

	// descriptionCache stores the strings for a call site the first time it
	// is seen so the hot path only ever records a code identity and an offset.
	descriptionCache struct {
		rt      host.Runtime
		entries map[descriptionKey]description
	}
)

func newDescriptionCache(rt host.Runtime) *descriptionCache {
	return &descriptionCache{
		rt:      rt,
		entries: make(map[descriptionKey]description),
	}
}

// store resolves the location of the call site once. The key uses the
// offset as stored in the RawEvent so replay finds it again; resolution uses
// the full offset.
//
// The offset advances as the frame executes, so this must run when the call
// is recorded and not at return.
func (c *descriptionCache) store(code host.CodeID, storedLasti, lasti int) {
	key := descriptionKey{code: code, lasti: storedLasti}
	if _, exists := c.entries[key]; exists {
		return
	}
	loc, err := c.rt.Resolve(code, lasti)
	if err != nil {
		c.entries[key] = description{}
		return
	}
	c.entries[key] = description{
		CodeDescription: CodeDescription{
			Line:     loc.Line,
			Filename: loc.Filename,
			Funcname: loc.Funcname,
		},
		resolved: true,
	}
}

// lookup returns the description of a call site and whether it resolved.
func (c *descriptionCache) lookup(code host.CodeID, lasti int) (CodeDescription, bool) {
	d, exists := c.entries[descriptionKey{code: code, lasti: lasti}]
	if !exists || !d.resolved {
		return CodeDescription{}, false
	}
	return d.CodeDescription, true
}

func (c *descriptionCache) filenames() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, d := range c.entries {
		if !d.resolved {
			continue
		}
		if _, ok := seen[d.Filename]; ok {
			continue
		}
		seen[d.Filename] = struct{}{}
		names = append(names, d.Filename)
	}
	return names
}

func (c *descriptionCache) clear() {
	c.entries = make(map[descriptionKey]description)
}
