package job

// Archive keeps final records after the registry forgets a download.
type Archive interface {
	Put(r Record) error
	Get(downloadID string) (Record, error)
	List(limit, offset int) ([]Record, int, error)
}
