// Licensed under the MIT License. See LICENSE file in the project root for details.

package tests

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/kianostad/hlstore"
)

// TestSessionMatchesModel drives one session with a random operation
// sequence and checks it against a map model: read-your-writes must hold
// for every interleaving of upserts, deletes and reads, including reads
// that resolve through the pending path.
func TestSessionMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := blobStore(t, 12, 4, 1)
		s := store.StartSession()
		defer s.Stop()

		model := make(map[string]string)
		serial := uint64(0)
		next := func() uint64 { serial++; return serial }

		keyGen := rapid.SampledFrom([]string{"a", "bb", "ccc", "dddd", "e5", "f6", "g7", "h8"})
		ops := rapid.IntRange(1, 120).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			key := keyGen.Draw(rt, "key")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				val := rapid.StringMatching(`[a-z]{1,24}`).Draw(rt, "val")
				if st := s.Upsert([]byte(key), []byte(val), next()); st == hlstore.Pending {
					s.CompletePending(true)
				}
				model[key] = val
			case 1:
				if st := s.Delete([]byte(key), next()); st == hlstore.Pending {
					s.CompletePending(true)
				}
				delete(model, key)
			case 2:
				got, st := readResolved(s, key, next())
				want, ok := model[key]
				if !ok {
					if st != hlstore.NotFound {
						rt.Fatalf("Read(%q) = %v, want NotFound", key, st)
					}
					continue
				}
				if st != hlstore.OK || string(got) != want {
					rt.Fatalf("Read(%q) = %v %q, want OK %q", key, st, got, want)
				}
			}
		}
	})
}

// TestWatermarkMonotonicity asserts the region invariant Begin <= Head <=
// SafeReadOnly <= ReadOnly <= Tail and that every watermark only moves
// forward while the log churns.
func TestWatermarkMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := blobStore(t, 12, 4, 1)
		s := store.StartSession()
		defer s.Stop()

		type marks struct{ begin, head, sro, ro, tail hlstore.Address }
		read := func() marks {
			return marks{
				begin: store.LogBeginAddress(),
				head:  store.LogHeadAddress(),
				sro:   store.LogSafeReadOnlyAddress(),
				ro:    store.LogReadOnlyAddress(),
				tail:  store.LogTailAddress(),
			}
		}
		last := read()

		valSize := rapid.IntRange(16, 700).Draw(rt, "valSize")
		ops := rapid.IntRange(10, 200).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			key := fmt.Sprintf("key-%04d", i)
			if st := s.Upsert([]byte(key), make([]byte, valSize), uint64(i+1)); st == hlstore.Pending {
				s.CompletePending(true)
			}
			cur := read()
			if !(cur.begin <= cur.head && cur.head <= cur.sro && cur.sro <= cur.ro && cur.ro <= cur.tail) {
				rt.Fatalf("region order violated: %+v", cur)
			}
			if cur.begin < last.begin || cur.head < last.head || cur.sro < last.sro ||
				cur.ro < last.ro || cur.tail < last.tail {
				rt.Fatalf("watermark went backwards: %+v -> %+v", last, cur)
			}
			last = cur
		}
	})
}
