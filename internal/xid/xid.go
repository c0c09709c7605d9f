package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed surrogate id such as "txn-3f2c...".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
