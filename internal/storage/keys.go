package storage

import (
	"path"
	"strings"
)

// Key layout:
//
//	demo/{id}.png                       anonymous results
//	users/{owner}/original/{id}.{ext}   registered uploads as received
//	users/{owner}/processed/{id}.png    registered results
const (
	DemoPrefix  = "demo/"
	UsersPrefix = "users/"

	KindOriginal  = "original"
	KindProcessed = "processed"
)

// DemoKey returns the key of an anonymous result.
func DemoKey(id string) string {
	return DemoPrefix + id + ".png"
}

// OwnerPrefix returns the prefix holding every object of owner.
func OwnerPrefix(owner string) string {
	return UsersPrefix + owner + "/"
}

// OriginalKey returns the key of an owner's uploaded original.
func OriginalKey(owner, id, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	return OwnerPrefix(owner) + KindOriginal + "/" + id + "." + ext
}

// ProcessedKey returns the key of an owner's derived result.
func ProcessedKey(owner, id string) string {
	return OwnerPrefix(owner) + KindProcessed + "/" + id + ".png"
}

// UserKey is a parsed registered-user key.
type UserKey struct {
	Owner string
	Kind  string
	ID    string
}

// ParseUserKey reverses OriginalKey and ProcessedKey.
func ParseUserKey(key string) (UserKey, bool) {
	rest, ok := strings.CutPrefix(key, UsersPrefix)
	if !ok {
		return UserKey{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" {
		return UserKey{}, false
	}
	if parts[1] != KindOriginal && parts[1] != KindProcessed {
		return UserKey{}, false
	}
	id := strings.TrimSuffix(parts[2], path.Ext(parts[2]))
	if id == "" {
		return UserKey{}, false
	}
	return UserKey{Owner: parts[0], Kind: parts[1], ID: id}, true
}
