//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newPreparer() (Preparer, error) {
	return stdlibPreparer{}, nil
}
