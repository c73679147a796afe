// Package meterproof records usage events as tamper-evident signed usage
// records (SURs) and exports them as signed, content-addressed bundles that
// anyone holding the published key set can verify offline.
//
// A record's CID is "sha256:" followed by the hex SHA-256 of the canonical
// JSON of its body (tenant_id, subject, action, quantity, ts and, when
// present, meta). The Ed25519 signature covers "{cid}|{tenant_id}|{ts}".
// Bundles hash their record list in order together with tenant_id and
// exported_at, and sign "{cid}|{tenant_id}|{exported_at}".
//
// Storage Backend Comparison
//
// 1. JSONL log (jsonl_store.go) - DEFAULT
//   - One canonical JSON record per line, appended with O_APPEND
//   - File locking for concurrency
//   - Human-readable, trivially shipped with standard tools
//   - Best for: single-node metering, audit trails
//
// 2. SQLite (sqlite_store.go) - ALTERNATIVE
//   - Uses SQLite database with WAL mode
//   - Indexed by (tenant_id, ts)
//   - Best for: larger histories, frequent range queries
//
// Usage:
//
//	signer, err := meterproof.ParseSigner(os.Getenv("METERPROOF_PRIVATE_KEY"), "kid-2024")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := meterproof.OpenStore(meterproof.BackendJSONL, "usage.jsonl")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	svc := meterproof.NewService(signer, store)
//	res, _ := svc.Record(meterproof.UsageInput{
//		TenantID: "acme", Subject: "user-1", Action: "api_call", Quantity: 1,
//	})
//	bundle, _ := svc.Export("acme", meterproof.Range{})
//
//	v := meterproof.NewVerifier(signer.KeySet())
//	ok := v.VerifyBundle(bundle)
//
// Wire formats:
//
// Records and bundles travel as canonical JSON (application/json),
// deterministic CBOR (application/cbor) or a protobuf Struct
// (application/x-protobuf). Hashes are always computed over canonical JSON,
// so a document verifies the same whichever format carried it. Protobuf
// carries every number as a double, so integers above 2^53 lose precision.
package meterproof
