package frame

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"sort"
	"strings"
)

type (
	Frame struct {
		File     string `json:"filename,omitempty"`
		Function string `json:"function,omitempty"`
		Line     uint32 `json:"lineno,omitempty"`
		Name     string `json:"name"`
		Native   bool   `json:"native,omitempty"`
		Path     string `json:"abs_path,omitempty"`
	}
)

func (f Frame) ID() string {
	// Two calls may share a display name while coming from different call
	// sites (module calls are labelled with the receiver type only), so the
	// location is part of the identity.
	hash := md5.Sum([]byte(fmt.Sprintf("%s:%s:%d:%s", f.File, f.Function, f.Line, f.Name)))
	return hex.EncodeToString(hash[:])
}

func (f Frame) WriteToHash(h hash.Hash) {
	var s string
	if f.File != "" {
		s = f.File
	} else {
		s = "-"
	}
	h.Write([]byte(s))
	if f.Name != "" {
		s = f.Name
	} else {
		s = "-"
	}
	h.Write([]byte(s))
}

// IsApplicationFrame reports whether the frame belongs to the traced program
// rather than to an installed package or to native code.
func (f Frame) IsApplicationFrame() bool {
	if f.Native {
		return false
	}
	p := f.Path
	if p == "" {
		p = f.File
	}
	return !(strings.Contains(p, "/site-packages/") ||
		strings.Contains(p, "/dist-packages/") ||
		strings.Contains(p, "\\site-packages\\") ||
		strings.Contains(p, "\\dist-packages\\"))
}

// PrefixPattern returns a regular expression matching the longest of the
// given path prefixes at the start of a filename, including the separator
// that follows it. For example with the prefix
// `/foo/bar/baz/site-packages` the file
// `/foo/bar/baz/site-packages/torch/__init__.py` becomes `torch/__init__.py`.
func PrefixPattern(prefixes []string) string {
	cleaned := make([]string, 0, len(prefixes))
	seen := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/\\")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return ""
	}
	// Alternation picks the first match, so longer prefixes must come first.
	sort.SliceStable(cleaned, func(i, j int) bool {
		return len(cleaned[i]) > len(cleaned[j])
	})
	quoted := make([]string, len(cleaned))
	for i, p := range cleaned {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return `^(?:` + strings.Join(quoted, "|") + `)[/\\]`
}
