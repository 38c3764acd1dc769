package room

import (
	"fmt"
	"strings"
)

// Blob key prefixes. Snapshots, fragments, schemas and ledgers live in
// disjoint regions of the durable store so listing one never touches the
// others.
const (
	snapshotPrefix = "rooms/"
	fragmentPrefix = "fragments/"
	schemaPrefix   = "schemas/"
	ledgerPrefix   = "ledgers/"
)

// Descriptor identifies a room and how its state is materialised: a simple
// room loads one snapshot blob, a composite room concatenates per-page
// fragment blobs under a namespace.
type Descriptor struct {
	RoomKey     string
	Namespace   string
	FragmentIDs []string
}

// NewSimple describes a room persisted as a single snapshot blob.
func NewSimple(roomKey string) Descriptor {
	return Descriptor{RoomKey: roomKey}
}

// NewComposite describes a room assembled from per-page fragments.
func NewComposite(namespace string, fragmentIDs []string) Descriptor {
	return Descriptor{
		RoomKey:     fmt.Sprintf("%s/%s", namespace, strings.Join(fragmentIDs, ",")),
		Namespace:   namespace,
		FragmentIDs: fragmentIDs,
	}
}

// Composite reports whether the room is fragment-backed.
func (d Descriptor) Composite() bool {
	return d.Namespace != ""
}

func snapshotKey(roomKey string) string {
	return snapshotPrefix + roomKey
}

func fragmentKey(namespace, fragmentID string) string {
	return fragmentPrefix + namespace + "/" + fragmentID
}

func schemaKey(namespace string) string {
	return schemaPrefix + namespace
}

func ledgerKey(roomKey string) string {
	return ledgerPrefix + roomKey
}
