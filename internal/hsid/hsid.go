// Package hsid models the host-site addresses of replica mailboxes.
package hsid

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HSID packs a site id in the high 32 bits above a host id.
type HSID uint64

// ErrInvalid reports an unparsable address.
var ErrInvalid = errors.New("hsid: invalid address")

// New returns the address of site on host.
func New(host, site uint32) HSID {
	return HSID(uint64(site)<<32 | uint64(host))
}

// Host returns the host component.
func (h HSID) Host() uint32 {
	return uint32(uint64(h))
}

// Site returns the site component.
func (h HSID) Site() uint32 {
	return uint32(uint64(h) >> 32)
}

// String renders "host:site".
func (h HSID) String() string {
	return strconv.FormatUint(uint64(h.Host()), 10) + ":" + strconv.FormatUint(uint64(h.Site()), 10)
}

// Parse accepts "host:site" or a raw decimal address.
func Parse(s string) (HSID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	if host, site, ok := strings.Cut(s, ":"); ok {
		h, err := strconv.ParseUint(host, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		st, err := strconv.ParseUint(site, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		return New(uint32(h), uint32(st)), nil
	}
	raw, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return HSID(raw), nil
}

// MarshalText implements encoding.TextMarshaler.
func (h HSID) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HSID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Join renders a collection of addresses as "[h:s, h:s]" in the given order.
func Join(ids []HSID) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(id.String())
	}
	b.WriteByte(']')
	return b.String()
}

// Sorted returns a sorted copy of ids.
func Sorted(ids []HSID) []HSID {
	out := make([]HSID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
