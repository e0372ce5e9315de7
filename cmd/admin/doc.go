// Package main (cmd/admin) is the operator client of a custody node.
//
// Commands:
//
//	status           - Print the node status (epoch, owned slot, held shares, refresh state)
//	recover          - Rebuild the node's group from the backup bundles held by other groups
//	generate-admin   - Generate an admin key pair
//	generate-config  - Write the admin keys file nodes load with --admin-keys-file
//
// Requests that change node state are signed with the admin key: the node
// checks an ECDSA signature over the request path and body against the keys
// listed in its admin keys file.
//
// Example:
//
//	admin generate-admin --admin-privkey-file=alice.pem --admin-pubkey-file=alice.pub.pem
//	admin generate-config --admin alice=alice.pub.pem
//	admin recover --node-addr=http://10.0.0.1:8080 --admin-id=alice --admin-privkey-file=alice.pem
package main
