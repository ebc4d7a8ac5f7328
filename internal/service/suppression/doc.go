// Package suppression implements the tenant suppression list.
//
// Every send path consults it before handing a message to a transport.
// Entries arrive from hard bounces, spam complaints, unsubscribes and manual
// admin actions. Addresses are normalized to lowercase before storage and
// lookup.
//
// The service depends only on the Repository interface in repository.go.
package suppression
