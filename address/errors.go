package address

import "errors"

var errInvalidLength = errors.New("address: decoded hex is not 32 bytes")
