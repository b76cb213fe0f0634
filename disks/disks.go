// Package disks defines predefined image geometries that the CLI and tests
// can format images from, so nobody has to remember raw block counts.
package disks

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/gocarina/gocsv"
)

// Profile describes one predefined image geometry.
type Profile struct {
	Name          string `csv:"name"`
	Slug          string `csv:"slug"`
	BytesPerBlock uint   `csv:"bytes_per_block"`
	TotalBlocks   uint   `csv:"total_blocks"`

	// Inodes gives the number of inodes to format the image with, i.e. the
	// maximum number of files it can hold.
	Inodes uint   `csv:"inodes"`
	Notes  string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file for this geometry.
func (p *Profile) TotalSizeBytes() int64 {
	return int64(p.BytesPerBlock) * int64(p.TotalBlocks)
}

//go:embed disk-profiles.csv
var profilesRawCSV string
var profiles map[string]Profile

// GetProfile returns the predefined profile with the given slug.
func GetProfile(slug string) (Profile, error) {
	profile, ok := profiles[slug]
	if ok {
		return profile, nil
	}

	err := fmt.Errorf("no predefined disk profile exists with slug %q", slug)
	return Profile{}, err
}

// List returns all predefined profiles, ordered by slug.
func List() []Profile {
	all := make([]Profile, 0, len(profiles))
	for _, profile := range profiles {
		all = append(all, profile)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Slug < all[j].Slug })
	return all
}

func init() {
	var records []Profile
	err := gocsv.UnmarshalString(profilesRawCSV, &records)
	if err != nil {
		panic(fmt.Sprintf("embedded disk profile table is malformed: %s", err.Error()))
	}

	profiles = make(map[string]Profile, len(records))
	for _, record := range records {
		profiles[record.Slug] = record
	}
}
