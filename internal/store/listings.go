package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

const (
	listingPrefix       = "listing/"
	activeListingPrefix = "listingactive/" // land id -> listing id, present only while a listing is active
)

func listingKey(id string) string           { return listingPrefix + id }
func activeListingKey(landID string) string { return activeListingPrefix + landID }

// PutListing creates or overwrites a listing row, maintaining the
// "at most one active listing per land" index alongside it.
func (s *Store) PutListing(l domain.Listing) error {
	if err := s.putJSON(listingKey(l.ID), l); err != nil {
		return err
	}
	if l.Status == domain.ListingActive {
		return s.db.Put([]byte(activeListingKey(l.LandID)), []byte(l.ID), nil)
	}
	// Terminal states clear the index so a new listing can be created for this land.
	if err := s.db.Delete([]byte(activeListingKey(l.LandID)), nil); err != nil && err != leveldb.ErrNotFound {
		return err
	}
	return nil
}

// GetListing fetches a listing by id.
func (s *Store) GetListing(id string) (domain.Listing, error) {
	var l domain.Listing
	ok, err := s.getJSON(listingKey(id), &l)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("get listing %s: %w", id, err)
	}
	if !ok {
		return domain.Listing{}, apperr.New(apperr.KindNotFound, "listing %s not found", id)
	}
	return l, nil
}

// HasActiveListing reports whether the given land currently has a live
// listing, and returns its id if so.
func (s *Store) HasActiveListing(landID string) (string, bool) {
	idBytes, err := s.db.Get([]byte(activeListingKey(landID)), nil)
	if err != nil {
		return "", false
	}
	return string(idBytes), true
}

// ListActiveListings returns every listing currently in the active state.
func (s *Store) ListActiveListings() ([]domain.Listing, error) {
	var out []domain.Listing
	err := s.iteratePrefix(listingPrefix, func(_, value []byte) bool {
		var l domain.Listing
		if jsonUnmarshal(value, &l) == nil && l.Status == domain.ListingActive {
			out = append(out, l)
		}
		return true
	})
	return out, err
}
