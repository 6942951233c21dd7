// Command xferclient sends one GET or PUT request to xferserver.
//
// A GET writes the fetched file under the client directory, replacing any
// local copy only once the whole body has arrived. A PUT sends the local file
// under the client directory; it fails without connecting if that file does
// not exist. The response status line is printed, followed by the HTML
// fragment of non-200 responses. The exit status is 1 if the request failed or
// was not answered with 200.
//
// Settings come from an rjson file (see --config), overridden by flags:
//
//	{
//		client_ip: "127.0.0.1"
//		server_ip: "127.0.0.1"
//		server_port: "8080"
//		client_directory: "./data/client"
//		framing: "sentinel"
//		retries: 0
//		timeout: "1m"
//	}
package main // import "github.com/nicolagi/xfer/cmd/xferclient"
