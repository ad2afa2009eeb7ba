package state

import (
	"maps"
	"reflect"
)

// GetEntry returns one sub-value of a map key.
func GetEntry[K comparable, V any](s *Store, k *Key[map[K]V], sub K) (V, bool) {
	v, ok := Get(s, k)[sub]
	return v, ok
}

// MergeEntry sets m[sub] = v on a copy of the map stored at k.
func MergeEntry[K comparable, V any](s *Store, k *Key[map[K]V], sub K, v V) {
	Update(s, k, func(m map[K]V) map[K]V {
		next := cloneMap(m)
		next[sub] = v
		return next
	})
}

// DeleteEntry removes sub from a copy of the map stored at k. Deleting an
// absent sub-key still counts as a write.
func DeleteEntry[K comparable, V any](s *Store, k *Key[map[K]V], sub K) {
	Update(s, k, func(m map[K]V) map[K]V {
		next := cloneMap(m)
		delete(next, sub)
		return next
	})
}

// UpdateEntry replaces m[sub] with fn(current, present) on a copy of the
// map. When fn reports keep=false the sub-key is removed.
func UpdateEntry[K comparable, V any](s *Store, k *Key[map[K]V], sub K, fn func(cur V, ok bool) (next V, keep bool)) {
	Update(s, k, func(m map[K]V) map[K]V {
		next := cloneMap(m)
		cur, ok := next[sub]
		v, keep := fn(cur, ok)
		if keep {
			next[sub] = v
		} else {
			delete(next, sub)
		}
		return next
	})
}

// WatchEntry runs fn only when the value under sub changes.
func WatchEntry[K comparable, V any](s *Store, k *Key[map[K]V], sub K, fn func(newValue, oldValue V)) func() {
	return Watch(s, k, func(n, o map[K]V) {
		nv, nok := n[sub]
		ov, ook := o[sub]
		if nok == ook && reflect.DeepEqual(nv, ov) {
			return
		}
		fn(nv, ov)
	})
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return maps.Clone(m)
}
