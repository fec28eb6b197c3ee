package tokenstore

// KV is the persistence substrate behind a Store.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)
	// Set writes all values in one operation where the substrate allows it.
	Set(values map[string]string) error
	Delete(keys ...string) error
}
