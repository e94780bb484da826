package pulse

import "fmt"

// ObjectName builds the "kind/namespace/name" form used for every broker
// object this library declares, so queues (and any other owned object a
// caller names this way) are consistently scoped per namespace.
func ObjectName(kind, namespace, name string) string {
	return fmt.Sprintf("%s/%s/%s", kind, namespace, name)
}
