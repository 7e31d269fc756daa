package xhci

import "encoding/gob"

func init() {
	gob.Register(&controllerSnapshot{})
}
