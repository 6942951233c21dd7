// Command xferserver serves the files under a root directory to xferclient.
//
// Each connection carries one GET or PUT request. A GET streams the named file
// back, chunked and terminated by the EOF sentinel; a PUT stores the body that
// follows the request, creating missing parent directories. Missing files are
// answered with 404, and PUTs that could not be stored with 204, each followed
// by a short HTML fragment.
//
// Settings come from an rjson file (see --config), overridden by flags:
//
//	{
//		hostname: "127.0.0.1"
//		port: "8080"
//		fallback_port: "8080"
//		root: "$HOME/lib/xfer/www"
//		capacity: 10
//		chunk_size: 1024
//		read_timeout: "30s"
//		write_timeout: "30s"
//		accept_rate: 100
//		accept_burst: 10
//		identity: "xfer"
//		journal: "$HOME/lib/xfer/journal.db"
//		mirror: {
//			type: "s3"
//			profile: "default"
//			region: "eu-west-1"
//			bucket: "xfer"
//			prefix: "www"
//		}
//	}
//
// With a journal, the outcome of the last request for each path is kept in a
// bolt database. With a mirror, stored files are written back to S3 in the
// background, and files missing from the root are restored from it.
package main // import "github.com/nicolagi/xfer/cmd/xferserver"
