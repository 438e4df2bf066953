// Package signaling serves the WebSocket endpoint browsers use to negotiate
// their WebRTC session, bind it to a client id, and collect ping results.
//
// Every connection is assigned a client id on connect and moves through
// Connected, AwaitingNegotiation, Registered and Done; whatever the path,
// closing the connection removes its registry entry.
package signaling
