package core

import "errors"

// errAlreadyOpen is returned when a UART name is already open in another
// channel process-wide (spec.md §4.4).
var errAlreadyOpen = errors.New("uart already open")
