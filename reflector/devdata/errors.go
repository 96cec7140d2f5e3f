package devdata

import (
	"fmt"

	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

// ErrSize indicates a device data block has the wrong length.
var ErrSize = fmt.Errorf("device data block must be %d octets: %w", BlockSize, hwdrv.ErrInvalidValue)
