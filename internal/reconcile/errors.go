package reconcile

import (
	"fmt"

	"github.com/codelaboratoryltd/meridian/internal/util"
)

var (
	ErrNoPackage       = fmt.Errorf("subscription has no package")
	ErrMissingProfile  = fmt.Errorf("package has no PPP profile")
	ErrMissingUsername = fmt.Errorf("customer has no PPPoE username")
	ErrMissingAddress  = util.ErrMissingAddress
	ErrUnknownType     = fmt.Errorf("unknown connection type")
)
