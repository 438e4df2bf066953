// Package relay runs the datagram loop: every ping received over the WebRTC
// endpoint is decoded, attributed to the client registered for its source
// port, and echoed back unchanged to the sender.
package relay
