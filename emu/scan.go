/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package emu

import (
	"bytes"
	"sort"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A simpleRange is a normalized half-open key interval [start, end). An empty
// start is unbounded below; an empty end is unbounded above.
type simpleRange struct {
	start, end keyType
}

// mergeRowRanges returns a sorted, non-overlapping list of ranges covering
// the explicit keys and the row ranges of a read. An explicit key k becomes
// the range [k, k+\x00).
func mergeRowRanges(explicit []keyType, rrs []*btpb.RowRange) []simpleRange {
	var srs []simpleRange
	for _, k := range explicit {
		srs = append(srs, simpleRange{
			start: k,
			end:   append(k, 0),
		})
	}
	for _, rr := range rrs {
		srs = append(srs, normalizeRange(rr))
	}
	return mergeSimpleRanges(srs)
}

func normalizeRange(rr *btpb.RowRange) simpleRange {
	var sr simpleRange
	switch sk := rr.StartKey.(type) {
	case *btpb.RowRange_StartKeyClosed:
		sr.start = sk.StartKeyClosed
	case *btpb.RowRange_StartKeyOpen:
		sr.start = append(sk.StartKeyOpen, 0)
	}
	switch ek := rr.EndKey.(type) {
	case *btpb.RowRange_EndKeyClosed:
		sr.end = append(ek.EndKeyClosed, 0)
	case *btpb.RowRange_EndKeyOpen:
		sr.end = ek.EndKeyOpen
	}
	return sr
}

// validateReadRanges rejects reads whose bounded ranges are inverted.
func validateReadRanges(req *btpb.ReadRowsRequest) error {
	if req.RowsLimit < 0 {
		return status.Error(codes.InvalidArgument, "rows_limit must be non-negative")
	}
	for _, rr := range req.GetRows().GetRowRanges() {
		sr := normalizeRange(rr)
		if len(sr.start) == 0 || len(sr.end) == 0 {
			continue
		}
		if bytes.Compare(sr.start, sr.end) > 0 {
			return status.Errorf(codes.InvalidArgument, "inverted row range: start %q > end %q", sr.start, sr.end)
		}
	}
	return nil
}

// mergeSimpleRanges sorts the ranges by start key and merges every
// overlapping or adjacent pair, so a row is scanned at most once.
func mergeSimpleRanges(srs []simpleRange) []simpleRange {
	if len(srs) == 0 {
		return srs
	}

	// Special case end compare: the empty key is greater than a non-empty key.
	endCmp := func(a, b simpleRange) int {
		switch {
		case len(a.end) == 0 && len(b.end) == 0:
			return 0 // both infinite
		case len(b.end) == 0:
			return -1 // b is infinite, therefore a < b
		case len(a.end) == 0:
			return 1 // a is infinite, therefore a > b
		default:
			return bytes.Compare(a.end, b.end)
		}
	}

	sort.Slice(srs, func(i, j int) bool {
		if cmp := bytes.Compare(srs[i].start, srs[j].start); cmp != 0 {
			return cmp < 0
		}
		return endCmp(srs[i], srs[j]) < 0
	})

	merge := func(a simpleRange, b simpleRange) (simpleRange, bool) {
		// a and b are disjoint if a's range is not infinite, and a's end is
		// less than b's start.
		if len(a.end) > 0 && bytes.Compare(a.end, b.start) < 0 {
			return simpleRange{}, false
		}

		var end keyType
		if endCmp(a, b) < 0 {
			end = b.end
		} else {
			end = a.end
		}
		return simpleRange{
			start: a.start,
			end:   end,
		}, true
	}

	last := 0
	for i := 1; i < len(srs); i++ {
		merged, didMerge := merge(srs[last], srs[i])
		if didMerge {
			srs[last] = merged
		} else {
			last++
			srs[last] = srs[i]
		}
	}
	return srs[:last+1]
}
