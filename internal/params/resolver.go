package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// File is the TOML layout of a parameter table.
type File struct {
	Address   *int64      `toml:"address"`
	Changeset *int64      `toml:"changeset"`
	Params    []FileEntry `toml:"params"`
}

// FileEntry is one [[params]] table.
type FileEntry struct {
	ID      string   `toml:"id"`
	Index   *int64   `toml:"index"`
	Factor  float64  `toml:"factor"`
	Minimum *float64 `toml:"minimum"`
	Maximum *float64 `toml:"maximum"`
}

// Resolver maps identifiers and indices to Entries.
type Resolver struct {
	address      uint16
	hasAddress   bool
	changeset    int64
	hasChangeset bool
	strict       bool

	entries []Entry
	byID    map[string]Entry
	byIndex map[uint16]Entry
}

// NewResolver returns an empty, permissive resolver: numeric indices and
// identifiers resolve to unscaled, unbounded entries.
func NewResolver() *Resolver {
	return &Resolver{
		byID:    make(map[string]Entry),
		byIndex: make(map[uint16]Entry),
	}
}

// LoadFile reads and validates a TOML parameter table.
func LoadFile(path string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameter table: %w", err)
	}
	return Parse(data)
}

// Parse decodes a TOML parameter table. A resolver built from a table is
// strict: identifiers missing from the table do not resolve.
func Parse(data []byte) (*Resolver, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidTable, undecoded)
	}
	return FromFile(f)
}

// FromFile builds a strict resolver from a decoded table.
func FromFile(f File) (*Resolver, error) {
	r := NewResolver()
	r.strict = true

	var errs []string
	if f.Address != nil {
		if *f.Address < 0 || *f.Address > 0x7F7F {
			errs = append(errs, fmt.Sprintf("address 0x%X out of range", *f.Address))
		}
		r.address = uint16(*f.Address) //nolint:gosec // range checked above
		r.hasAddress = true
	}
	if f.Changeset != nil {
		r.changeset = *f.Changeset
		r.hasChangeset = true
	}

	for i, fe := range f.Params {
		e := Entry{ID: fe.ID, Factor: fe.Factor}
		if e.Factor == 0 {
			e.Factor = 1
		}
		if fe.Index != nil {
			if *fe.Index < 0 || *fe.Index > 0xFFFF {
				errs = append(errs, fmt.Sprintf("params[%d].index %d out of range", i, *fe.Index))
				continue
			}
			e.Index = uint16(*fe.Index) //nolint:gosec // range checked above
			e.HasIndex = true
		}
		if e.ID == "" && !e.HasIndex {
			errs = append(errs, fmt.Sprintf("params[%d] needs an id or an index", i))
			continue
		}
		if fe.Minimum != nil || fe.Maximum != nil {
			e.HasBounds = true
			e.Minimum, e.Maximum = float64(-1<<31), float64(1<<31-1)
			if fe.Minimum != nil {
				e.Minimum = *fe.Minimum
			}
			if fe.Maximum != nil {
				e.Maximum = *fe.Maximum
			}
			if e.Minimum > e.Maximum {
				errs = append(errs, fmt.Sprintf("params[%d] minimum exceeds maximum", i))
			}
		}
		if e.ID != "" {
			if _, dup := r.byID[e.ID]; dup {
				errs = append(errs, fmt.Sprintf("params[%d].id %q duplicated", i, e.ID))
			}
			r.byID[e.ID] = e
		}
		if e.HasIndex {
			r.byIndex[e.Index] = e
		}
		r.entries = append(r.entries, e)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, strings.Join(errs, "; "))
	}
	return r, nil
}

// Lookup finds the entry for idOrIndex. Indices may be decimal or "0x"
// prefixed hexadecimal. An index not present in a strict table, or an
// identifier not present in any table, yields false.
func (r *Resolver) Lookup(idOrIndex string) (Entry, bool) {
	if index, ok, _ := ParseIndex(idOrIndex); ok {
		if e, found := r.byIndex[index]; found {
			return e, true
		}
		if r.strict {
			return Entry{}, false
		}
		return Entry{Index: index, HasIndex: true, Factor: 1}, true
	}
	e, ok := r.byID[idOrIndex]
	return e, ok
}

// Resolve is Lookup with a ResolutionError. Without a table, identifiers
// resolve to an entry whose index is found on the wire by id hash.
func (r *Resolver) Resolve(idOrIndex string) (Entry, error) {
	_, isIndex, err := ParseIndex(idOrIndex)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q: %w", ErrUnknownParameter, idOrIndex, err)
	}
	if e, ok := r.Lookup(idOrIndex); ok {
		return e, nil
	}
	if !isIndex && !r.strict && idOrIndex != "" {
		return Entry{ID: idOrIndex, Factor: 1}, nil
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrUnknownParameter, idOrIndex)
}

// Address returns the controller address declared by the table.
func (r *Resolver) Address() (uint16, bool) {
	return r.address, r.hasAddress
}

// Changeset returns the firmware changeset declared by the table.
func (r *Resolver) Changeset() (int64, bool) {
	return r.changeset, r.hasChangeset
}

// Entries returns the table entries in file order.
func (r *Resolver) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// ParseIndex parses a decimal or "0x" hexadecimal value index. ok is false
// if s does not start with a digit; err is set if it does but is malformed.
func ParseIndex(s string) (index uint16, ok bool, err error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false, nil
	}
	var v uint64
	if rest, hex := strings.CutPrefix(strings.ToLower(s), "0x"); hex {
		v, err = strconv.ParseUint(rest, 16, 16)
	} else {
		v, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, false, err
	}
	return uint16(v), true, nil
}
