package search

import (
	"sort"

	"github.com/nkkko/remotesync/pkg/proto"
)

// IndexOf binary-searches a list sorted by id
func IndexOf(list []proto.Object, id int64) (int, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].ID() >= id })
	return i, i < len(list) && list[i].ID() == id
}

// Insert places an object at its sorted position, replacing an object
// with the same id
func Insert(list []proto.Object, object proto.Object) []proto.Object {
	i, found := IndexOf(list, object.ID())
	if found {
		list[i] = object
		return list
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = object
	return list
}

// Merge inserts every object into a sorted copy of list
func Merge(list []proto.Object, objects []proto.Object) []proto.Object {
	out := append([]proto.Object(nil), list...)
	for _, object := range objects {
		out = Insert(out, object)
	}
	return out
}

// Strip returns list without the given ids
func Strip(list []proto.Object, ids []int64) []proto.Object {
	if len(ids) == 0 {
		return list
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]proto.Object, 0, len(list))
	for _, object := range list {
		if _, ok := drop[object.ID()]; !ok {
			out = append(out, object)
		}
	}
	return out
}

// SortByID sorts a list in place
func SortByID(list []proto.Object) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
}

// Diff compares cached objects, sorted by id, with a discovery result and
// returns the ids to retrieve (missing or with a newer generation number)
// and the cached ids the server no longer lists
func Diff(cached []proto.Object, discovered *proto.DiscoveryResult) (fetch, remove []int64) {
	listed := make(map[int64]struct{}, len(discovered.IDs))
	for i, id := range discovered.IDs {
		listed[id] = struct{}{}
		j, found := IndexOf(cached, id)
		if !found || discovered.GNs[i] > cached[j].GN() {
			fetch = append(fetch, id)
		}
	}
	for _, object := range cached {
		if _, ok := listed[object.ID()]; !ok {
			remove = append(remove, object.ID())
		}
	}
	return fetch, remove
}
