package backend

// metaStorage records a device and a size but owns no memory. Kernels that
// only compute output metadata run against it.
type metaStorage struct {
	dev     Device
	byteLen int
}

// NewMetaStorage returns data-less storage that reports dev as its device.
func NewMetaStorage(dev Device, byteLen int) Storage {
	return &metaStorage{dev: dev, byteLen: byteLen}
}

// IsMeta reports whether s holds no data.
func IsMeta(s Storage) bool {
	_, ok := s.(*metaStorage)
	return ok
}

func (s *metaStorage) Device() Device { return s.dev }
func (s *metaStorage) Ptr() uintptr   { return 0 }
func (s *metaStorage) Bytes() []byte  { return nil }
func (s *metaStorage) ByteLen() int   { return s.byteLen }
func (s *metaStorage) Free()          {}
