package domain

import "strconv"

const DefaultLanguage = "es_ES"

// Options is the structured record handed to the conversion engine.
type Options struct {
	Building    bool   `json:"building"`
	Address     bool   `json:"address"`
	Language    string `json:"language,omitempty"`
	ParcelParts int    `json:"parcel_parts,omitempty"`
	ParcelDist  int    `json:"parcel_dist,omitempty"`
}

// DefaultOptions extracts both buildings and addresses.
func DefaultOptions() Options {
	return Options{Building: true, Address: true, Language: DefaultLanguage}
}

// Normalize fills defaults. Options with neither flag set extract both.
func (o Options) Normalize() Options {
	if !o.Building && !o.Address {
		o.Building, o.Address = true, true
	}
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	return o
}

// Args renders the engine arguments for key. Two runs are considered
// identical when their Args are equal.
func (o Options) Args(key JobKey) []string {
	o = o.Normalize()

	var args []string
	if o.Address && !o.Building {
		args = append(args, "-d")
	}
	if o.Building && !o.Address {
		args = append(args, "-b")
	}
	if o.ParcelParts > 0 {
		args = append(args, "--parcel-parts", strconv.Itoa(o.ParcelParts))
	}
	if o.ParcelDist > 0 {
		args = append(args, "--parcel-dist", strconv.Itoa(o.ParcelDist))
	}
	args = append(args, "--language", o.Language, key.Code)
	if key.Split != "" {
		args = append(args, "-s", key.Split)
	}
	return args
}

// Equal compares the effective engine invocation of o and other.
func (o Options) Equal(other Options, key JobKey) bool {
	a, b := o.Args(key), other.Args(key)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
