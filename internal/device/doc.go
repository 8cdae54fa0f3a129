// Package device holds the domain vocabulary shared by every Floodgate
// component: device classes, controller variants and their allow-lists, the
// tri-state link status and the persisted state pair.
//
// A device is identified by its network address within a class. Session
// classes (gates and boards) carry a controller variant that selects the
// wire protocol; the others are only swept for reachability.
package device
