// Package client talks to the Access Control Service management endpoint.
//
// A Client is obtained with ObtainToken, which exchanges a management key for
// a WRAP access token. The returned Client attaches that token to every
// request it issues:
//
//	cli, status, err := client.ObtainToken(ctx, "contoso", managementKey)
//	if err != nil {
//		log.Fatalf("token request failed with status %d: %v", status, err)
//	}
//	err = cli.GetEntries(ctx, "RelyingParties", func(e atom.Entry) bool {
//		fmt.Println(e.Properties["Name"])
//		return true
//	})
//
// Write operations are grouped into a single OData $batch request built with
// CreateMimeBody and sent with SendBatch. Every blocking method takes a
// context; the *Async variants run the same call on a new goroutine and
// invoke their completion exactly once.
//
// Tokens are not refreshed. Callers check Expired and obtain a new Client.
package client
