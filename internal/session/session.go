// Package session mirrors live relay connections into Redis so operators and
// other instances can see who is online. Redis is a read-only copy: the relay
// never consults it when routing frames.
package session
