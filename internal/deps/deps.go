// Package deps defines the typed dependency carrier: a single struct
// bundling the process-wide singletons (Store, Operator, Network Manager,
// Observer) so HTTP handlers reach them through an explicit field rather
// than ambient package-level globals.
package deps

import (
	"github.com/blawesom/vm-manager/internal/metadata"
	"github.com/blawesom/vm-manager/internal/netmgr"
	"github.com/blawesom/vm-manager/internal/observer"
	"github.com/blawesom/vm-manager/internal/operator"
	"github.com/blawesom/vm-manager/internal/store"
)

// Deps bundles the process-wide singletons reachable from HTTP handlers.
type Deps struct {
	Store    store.Store
	Operator *operator.Operator
	Net      *netmgr.Manager
	Observer *observer.Observer
	Metadata *metadata.Service

	StorageRoot string
}
