package mysql

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Deployments *DeploymentArchiveRepository
}

// NewRepository opens the archive database and migrates its tables
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}
	if err := ds.AutoMigrate(); err != nil {
		_ = ds.Close()
		return nil, err
	}

	return &Repository{
		ds:          ds,
		Deployments: NewDeploymentArchiveRepository(ds),
	}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
