// Package contracts holds the wire-independent data model shared by every
// other package in sbuscore: the brokered message carrier, lock-token
// formatting, entity path construction, and the error taxonomy used to
// classify failures raised anywhere in the client.
package contracts
