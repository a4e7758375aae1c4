package store

import (
	"fmt"

	"github.com/google/uuid"
	cm "github.com/mosaicnetworks/mural/src/common"
)

const objectPrefix = "obj"

// objectKeyPrefix is the prefix of all the versions of an object.
func objectKeyPrefix(objectID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s_%s_", objectPrefix, objectID))
}

// versionKey orders versions of an object lexicographically.
func versionKey(objectID uuid.UUID, version cm.Uint128) []byte {
	return []byte(fmt.Sprintf("%s_%s_%016x%016x", objectPrefix, objectID, version.High, version.Low))
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}

// parseVersionKey extracts the version from a key built by versionKey.
func parseVersionKey(key, prefix []byte) (cm.Uint128, error) {
	var v cm.Uint128
	_, err := fmt.Sscanf(string(key[len(prefix):]), "%016x%016x", &v.High, &v.Low)
	if err != nil {
		return cm.Uint128{}, fmt.Errorf("malformed version key %q: %v", key, err)
	}
	return v, nil
}
