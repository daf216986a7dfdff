package transaction

// The transaction package implements the store's transaction layer. It takes
// incoming per-region requests from kv/server and turns them into reads and
// writes of the underlying raw store. The layer lowers high-level Percolator
// commands into raw multi-CF key/value operations, and ensures that commands
// do not interfere with each other.
//
// Note that there are two kinds of transactions in play: client transactions
// are collaborative between the store and its client. They are implemented
// using multiple commands (PessimisticLock, Prewrite, Commit, ...) and ensure
// that multiple client operations can be executed atomically. There are also
// mvcc transactions which are an implementation detail of this layer
// (represented by MvccTxn in transaction/mvcc). These ensure that a *single*
// command is executed atomically: its writes are buffered and applied in one
// engine batch.
//
// *Locks* are used to implement client transactions. Setting or checking a
// lock is lowered to writing or reading a key and value in the lock CF.
//
// *Latches* are used to serialize commands touching the same keys and are not
// visible to the client. They are stored outside the underlying storage; see
// the latches package for details.
//
// ## Encoding user key/values
//
// The mvcc strategy is to store all data (committed and uncommitted) at every
// point in time, keyed by (user key, timestamp):
//
//   - the data CF maps (user key, start ts) to the staged or committed value;
//   - the lock CF maps the plain user key to the live lock record;
//   - the write CF maps (user key, commit ts) to a write record pointing back
//     at the start ts that wrote the value.
//
// Timestamps are stored complemented so that the versions of one user key
// sort newest first; finding the newest write at or below a read ts is a
// seek to the key's prefix followed by a forward walk that skips the records
// of longer keys sharing that prefix.
