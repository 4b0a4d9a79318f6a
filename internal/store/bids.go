package store

import (
	"fmt"
	"sort"

	"virtualworld/internal/domain"
)

const bidPrefix = "bid/"

func bidKey(listingID, bidID string) string {
	return fmt.Sprintf("%s%s/%s", bidPrefix, listingID, bidID)
}

// PutBid persists a bid. Bids live only for the duration of their auction;
// DeleteBidsForListing purges them once a listing settles.
func (s *Store) PutBid(b domain.Bid) error {
	return s.putJSON(bidKey(b.ListingID, b.ID), b)
}

// BidsForListing returns all bids against a listing, oldest first.
func (s *Store) BidsForListing(listingID string) ([]domain.Bid, error) {
	var out []domain.Bid
	prefix := bidPrefix + listingID + "/"
	err := s.iteratePrefix(prefix, func(_, value []byte) bool {
		var b domain.Bid
		if jsonUnmarshal(value, &b) == nil {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// DeleteBidsForListing removes all bid rows for a settled listing.
func (s *Store) DeleteBidsForListing(listingID string) error {
	prefix := bidPrefix + listingID + "/"
	var keys [][]byte
	err := s.iteratePrefix(prefix, func(key, _ []byte) bool {
		k := append([]byte(nil), key...)
		keys = append(keys, k)
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.db.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}
