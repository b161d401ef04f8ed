package xid

import (
	"fmt"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Session ids are bare uuids so they match wallet sessions created by the
// storefront.
func Session() string {
	return uuid.NewString()
}
