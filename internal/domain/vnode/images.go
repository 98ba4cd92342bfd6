package vnode

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/buffer"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// ImageScheme prefixes entrypoint references to registered images.
const ImageScheme = "image://"

// executableTypes are the MIME types accepted for file-backed images.
var executableTypes = []string{"application/x-elf", "application/wasm"}

// Image is an executable the loader can map into a V-Node.
type Image struct {
	Name    string
	Program abi.Program
	// Path is the on-disk image, if any. It is verified on every mapping.
	Path string
	MIME string
	Size int64
}

// ImageInfo describes a registered image.
type ImageInfo struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size"`
}

// ImageStore resolves manifest entrypoints to images.
type ImageStore struct {
	mu     sync.RWMutex
	images map[string]*Image
}

// NewImageStore creates an empty store.
func NewImageStore() *ImageStore {
	return &ImageStore{images: make(map[string]*Image)}
}

// Register adds an in-memory image.
func (s *ImageStore) Register(name string, program abi.Program) error {
	return s.add(&Image{Name: name, Program: program})
}

// RegisterFile adds an image backed by the executable at path.
func (s *ImageStore) RegisterFile(name, path string, program abi.Program) error {
	mime, size, err := VerifyExecutable(path)
	if err != nil {
		return err
	}
	return s.add(&Image{Name: name, Program: program, Path: path, MIME: mime, Size: size})
}

func (s *ImageStore) add(img *Image) error {
	const op = "image_register"

	if img.Name == "" || img.Program == nil {
		return ipcerr.New(ipcerr.InvalidArgument, op, "image needs a name and a program")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.images[img.Name]; exists {
		return ipcerr.New(ipcerr.InvalidArgument, op, "image %s already registered", img.Name)
	}
	s.images[img.Name] = img
	return nil
}

// Resolve finds the image for an entrypoint reference ("image://name" or a
// bare name). File-backed images are re-verified.
func (s *ImageStore) Resolve(entrypoint string) (*Image, error) {
	const op = "image_resolve"

	name := strings.TrimPrefix(entrypoint, ImageScheme)

	s.mu.RLock()
	img, ok := s.images[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ipcerr.New(ipcerr.NotFound, op, "no image %q", entrypoint)
	}
	if img.Path != "" {
		if _, _, err := VerifyExecutable(img.Path); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// List describes every registered image ordered by name.
func (s *ImageStore) List() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImageInfo, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, ImageInfo{Name: img.Name, Path: img.Path, MIME: img.MIME, Size: img.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VerifyExecutable checks that path holds an ELF or WebAssembly binary and
// returns its detected MIME type and size.
func VerifyExecutable(path string) (string, int64, error) {
	const op = "image_verify"

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, ipcerr.Wrap(ipcerr.NotFound, op, err)
	}
	if info.IsDir() {
		return "", 0, ipcerr.New(ipcerr.InvalidArgument, op, "%s is a directory", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", 0, ipcerr.Wrap(ipcerr.InvalidArgument, op, err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		for _, want := range executableTypes {
			if m.Is(want) {
				return mtype.String(), info.Size(), nil
			}
		}
	}
	return "", 0, ipcerr.New(ipcerr.InvalidArgument, op, "%s is %s, not an executable image", path, mtype.String())
}

// Region is one mapping inside an address space.
type Region struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Perm  string `json:"perm"`
}

// AddressSpace is the isolated layout a V-Node instance runs in. Each start
// gets a fresh one, so nothing mapped by a previous instance is reachable.
type AddressSpace struct {
	ID      string   `json:"id"`
	Image   string   `json:"image"`
	Regions []Region `json:"regions"`
}

const (
	userBase  = 0x0000_0000_0040_0000
	stackSize = 64 * buffer.PageSize
)

func newAddressSpace(img *Image, m *Manifest) *AddressSpace {
	text := pageAlign(uint64(img.Size))
	if text == 0 {
		text = buffer.PageSize
	}
	heap := pageAlign(uint64(m.Runtime.RequiredMemMB) << 20)

	as := &AddressSpace{ID: uuid.NewString(), Image: img.Name}
	next := uint64(userBase)
	for _, r := range []Region{
		{Name: "text", Size: text, Perm: "r-x"},
		{Name: "heap", Size: heap, Perm: "rw-"},
		{Name: "stack", Size: stackSize, Perm: "rw-"},
	} {
		if r.Size == 0 {
			continue
		}
		r.Start = next
		as.Regions = append(as.Regions, r)
		// guard page between regions
		next += r.Size + buffer.PageSize
	}
	return as
}

func pageAlign(n uint64) uint64 {
	return (n + buffer.PageSize - 1) &^ (buffer.PageSize - 1)
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("%s[%s, %d regions]", as.ID, as.Image, len(as.Regions))
}
