// Package feed serves vote tallies to browsers over websockets.
//
// A client connects to /feed?scope=S, optionally authenticated with an
// HS256 token whose subject is the voter id. It receives every item of the
// scope with its tally, then live updates: new items, removed items and
// tally changes. Voting clients send vote requests on the same socket; a
// vote is acknowledged only by the tally moving, and a failed vote comes
// back as an error frame to the voter alone.
//
// The Hub sits between the engine and the sockets. It is the engine's
// Listener, follows a scope while anyone is connected to it and keeps the
// scope's last known state so late joiners start from a full view.
package feed
