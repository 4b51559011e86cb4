package keys

import (
	"strconv"

	ds "github.com/ipfs/go-datastore"
)

// Datastore key prefixes for different record types.
var (
	MeridianKey   = ds.NewKey("meridian")   // Root key for the service namespace
	MonitoringKey = ds.NewKey("monitoring") // Outage monitoring state by customer
)

// Monitoring returns the key of one customer's monitoring state.
func Monitoring(customerID int64) ds.Key {
	return MeridianKey.Child(MonitoringKey).ChildString(strconv.FormatInt(customerID, 10))
}

// MonitoringPrefix returns the prefix shared by all monitoring state keys.
func MonitoringPrefix() ds.Key {
	return MeridianKey.Child(MonitoringKey)
}

// CustomerID extracts the customer ID from a monitoring key.
func CustomerID(key ds.Key) (int64, bool) {
	if !key.IsDescendantOf(MonitoringPrefix()) {
		return 0, false
	}
	id, err := strconv.ParseInt(key.BaseNamespace(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
