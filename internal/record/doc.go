// Package record defines the synchronized business records shared by the
// local store, the offline queue and the remote backend.
//
// # Envelope
//
// Every record embeds an Envelope:
//
//	{
//	  "id": "5b0d7c1e-...",
//	  "dealer_id": "0f3a...",
//	  "created_at": "2025-03-01T09:12:44Z",
//	  "updated_at": "2025-03-02T17:40:03Z",
//	  "deleted_at": null
//	}
//
// updated_at is the only conflict-resolution signal. deleted_at marks a remote
// tombstone; the local store never keeps tombstones.
//
// # Entity types
//
// Ten entity types are synchronized: user, account, account_transaction,
// vehicle, template, expense, sale, debt, debt_payment and client. Each type
// knows its snapshot key, its upsert and delete RPC names, its natural key (if
// any) and the foreign keys it carries:
//
//	sale := &record.SaleRecord{VehicleID: vehicleID}
//	for _, ref := range sale.Refs() {
//	    fmt.Println(ref.Field, ref.Target, ref.Required) // vehicle_id vehicle true
//	}
//
// # Wire mapping
//
// Encode turns a record into its wire shape and refuses records that are
// missing an id, a dealer or a required foreign key. Decode is the inverse and
// is lenient: snapshot records are validated by the merge, not here.
//
// Money values travel as decimal strings (Decimal). Business dates are opaque
// strings and are passed through unchanged.
package record
