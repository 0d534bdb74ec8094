// Package redis provides non-blocking access to a Redis service over a
// single connection. Commands are pipelined onto the wire as soon as the
// write side accepts them; replies are matched back to callers in strict
// FIFO order, since Redis guarantees same-order responses.
// See <https://redis.io/topics/pipelining> for the underlying protocol
// idea this client exploits.
//
// Client multiplexes arbitrary command/response traffic. PubSubConn owns a
// separate connection and implements the back-pressured "active-once"
// delivery discipline Redis pub/sub needs: at most one unacknowledged
// message is ever outstanding per controlling subscriber.
//
// Connection pooling, sentinel/cluster routing, and configuration-file
// loading are out of scope; wrap Client with whatever pool or router shape
// a given deployment needs.
package redis
