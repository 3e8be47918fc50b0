// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes identify the kind of record an ID belongs to.
const (
	PrefixSequence   = "seq-"
	PrefixEnrollment = "enr-"
	PrefixAttempt    = "att-"
	PrefixEngagement = "evt-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// Sequence returns a new sequence ID.
func Sequence() (string, error) { return GenerateWithPrefix(PrefixSequence) }

// Enrollment returns a new enrollment ID.
func Enrollment() (string, error) { return GenerateWithPrefix(PrefixEnrollment) }

// Attempt returns a new channel attempt ID.
func Attempt() (string, error) { return GenerateWithPrefix(PrefixAttempt) }

// Engagement returns a new engagement event ID.
func Engagement() (string, error) { return GenerateWithPrefix(PrefixEngagement) }

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
