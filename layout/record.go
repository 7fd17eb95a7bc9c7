// Package layout defines the on-media record types from §3.1 of the
// specification: fixed byte layouts for the superblock, inode, block
// descriptors and their overflow pages, dirents and directory pages, and
// the inode-array pages backing the orphan list.
//
// Every record is mapped directly onto a byte range of the pool's memory
// mapping via unsafe.Pointer, the same technique jacobsa/fuse's
// fuseutil.WriteDirent uses to lay a Go struct over a wire buffer. Records
// never contain Go pointers, slices, or strings, only fixed-size arrays and
// fixed-width integers, so they are safe to address this way and safe to
// persist byte-for-byte.
package layout

import "unsafe"

// Ref is a byte offset into the pool's memory mapping. Zero is the null
// reference (the pool header itself occupies offset 0, so nothing valid is
// ever allocated there).
type Ref uint64

const Null Ref = 0

// PageSize is the allocation granularity for every overflow page
// (block-array, directory, inode-array) and the fixed size of the
// superblock and inode records, per §6.
const PageSize = 4096

// Version tags. Every record is preceded (here: starts with) a tag that is
// checked on every access; a mismatch is fatal per §3.1.
var (
	TagSuperblock = [8]byte{'P', 'F', 'I', 'L', 'E', 'V', '0', '0'}
	TagInode      = [8]byte{'I', 'N', 'D', '0'}
	TagBlockArray = [8]byte{'B', 'L', 'A', '0'}
	TagDirPage    = [8]byte{'D', 'I', 'R', '0'}
	TagInodeArray = [8]byte{'I', 'N', 'A', '0'}
)

// InodeType tags the union stored in Inode.Payload.
type InodeType uint8

const (
	InodeTypeRegular InodeType = iota + 1
	InodeTypeDirectory
	InodeTypeSymlink
)

// Superblock is the pool root, exactly PageSize bytes (§6).
type Superblock struct {
	Tag [8]byte

	UUID [16]byte

	// RootInode is the handle of the filesystem root directory inode.
	RootInode Ref

	// OrphanHead/OrphanTail bound the doubly-linked list of
	// inode-array pages backing the orphan list (§3.1).
	OrphanHead Ref
	OrphanTail Ref

	// BumpOffset is the next unused byte offset for the pool's
	// bump-plus-freelist allocator (§4.1, typed allocation).
	BumpOffset uint64

	// FreeListHeads[class] chains freed records of a given size class by
	// storing, at the start of each freed record, a Ref to the next free
	// record of the same class. class 0 = PageSize records (block-array,
	// dir, inode-array pages and inodes); class 1 = data blocks, which are
	// variably sized and therefore never recycled through this mechanism
	// (freed data block storage is abandoned to the bump allocator's
	// high-water mark, matching the out-of-scope store's "free" primitive
	// being opaque to us).
	FreeListHeads [2]Ref

	Reserved [PageSize - 8 - 16 - 8 - 8 - 8 - 8 - 16]byte
}

const inodeHeaderSize = 136

// Inode is exactly PageSize bytes, with 3960 bytes of inline payload (§6).
type Inode struct {
	Tag [8]byte

	Type InodeType
	_    [7]byte // alignment padding

	Uid   uint32
	Gid   uint32
	Mode  uint32 // permission bits only; type lives in Type above
	Nlink uint32
	Flags uint32
	_     [4]byte

	Size           uint64
	AllocatedSpace uint64

	AtimeNsec int64
	CtimeNsec int64
	MtimeNsec int64

	Generation uint64

	Reserved [inodeHeaderSize - 8 - 8 - 4*5 - 4 - 8 - 8 - 8*3 - 8]byte

	Payload [PageSize - inodeHeaderSize]byte
}

// Inode.Flags bits.
const (
	InodeFlagNone = 0
)

// BlockDescriptor describes one data extent of a regular file (§3.1).
// 40 bytes.
type BlockDescriptor struct {
	Data   Ref    // location of the data extent
	Size   uint32 // extent size in bytes
	Flags  uint32 // bit 0 = BlockInitialized
	Offset uint64 // file offset covered by this extent
	Prev   Ref    // Ref to the descriptor slot preceding this one by offset
	Next   Ref    // Ref to the descriptor slot following this one by offset
}

const BlockInitialized uint32 = 1 << 0

const blockArrayHeaderSize = 24 // Tag8 + Next8 + Length4 + alignment pad4

// blockArraySlots is the number of BlockDescriptor slots that fit in one
// page after the header.
const blockArraySlots = (PageSize - blockArrayHeaderSize) / int(unsafe.Sizeof(BlockDescriptor{}))

// BlockArrayPage is a page of further block descriptors, chained off an
// inode's inline array (§3.1).
type BlockArrayPage struct {
	Tag    [8]byte
	Next   Ref
	Length uint32
	_      [4]byte

	Descriptors [blockArraySlots]BlockDescriptor

	Reserved [PageSize - blockArrayHeaderSize - blockArraySlots*int(unsafe.Sizeof(BlockDescriptor{}))]byte
}

// InodeFileData is the regular-file union member inlined in Inode.Payload:
// the first page's worth of block descriptors.
type InodeFileData struct {
	Next   Ref
	Length uint32
	_      [4]byte

	Descriptors [inodeFileSlots]BlockDescriptor
}

const inodeFileHeaderSize = 16
const inodeFileSlots = (PageSize - inodeHeaderSize - inodeFileHeaderSize) / int(unsafe.Sizeof(BlockDescriptor{}))

// MaxNameLen is the longest dirent name, per §3.1 ("maximum name length is
// 255 bytes").
const MaxNameLen = 255

// Dirent maps a name to an inode. An empty slot has NameLen == 0 and
// Inode == Null. 8 + 1 + 255 = 264 explicit bytes; the 7-byte gap after
// NameLen aligns Name, and the struct's own 8-byte alignment (forced by
// Inode's Ref field) pads the total size up one further byte to 272.
type Dirent struct {
	Inode   Ref
	NameLen uint8
	_       [7]byte
	Name    [MaxNameLen]byte
}

const dirPageHeaderSize = 24 // Tag8 + Next8 + NumElements4 + alignment pad4

const dirPageSlots = (PageSize - dirPageHeaderSize) / int(unsafe.Sizeof(Dirent{}))

// DirPage is a page of further dirents, chained off a directory inode's
// inline array (§3.1).
type DirPage struct {
	Tag         [8]byte
	Next        Ref
	NumElements uint32
	_           [4]byte

	Entries [dirPageSlots]Dirent

	Reserved [PageSize - dirPageHeaderSize - dirPageSlots*int(unsafe.Sizeof(Dirent{}))]byte
}

const inodeDirHeaderSize = 16
const inodeDirSlots = (PageSize - inodeHeaderSize - inodeDirHeaderSize) / int(unsafe.Sizeof(Dirent{}))

// InodeDirData is the directory union member inlined in Inode.Payload.
type InodeDirData struct {
	Next        Ref
	NumElements uint32
	_           [4]byte

	Entries [inodeDirSlots]Dirent
}

const symlinkDataCapacity = PageSize - inodeHeaderSize - 8

// InodeSymlinkData is the symlink union member inlined in Inode.Payload:
// the target string bytes, length-prefixed.
type InodeSymlinkData struct {
	Len uint16
	_   [6]byte
	Target [symlinkDataCapacity]byte
}

// InodeArraySlots is the literal slot count from §6: "holds 249 inode
// handles plus a mutex and prev/next links".
const InodeArraySlots = 249

const inodeArrayHeaderSize = 4 + 4 + 8 + 8 + 8 // used count, alignment pad, mutex word, prev, next

// InodeArrayPage backs the orphan list (§3.1), exactly PageSize bytes.
type InodeArrayPage struct {
	Tag [8]byte

	Used uint32
	_    [4]byte

	// Mutex is a pool mutex word (§4.1); its value is meaningless across a
	// reopen, matching "pool mutexes... whose state is reset on reopen".
	Mutex uint64

	Prev Ref
	Next Ref

	Slots [InodeArraySlots]Ref

	Reserved [PageSize - 8 - inodeArrayHeaderSize - InodeArraySlots*8]byte
}

// The casts below are the only place raw bytes become typed records. Every
// other package goes through these.

func AsSuperblock(b []byte) *Superblock { return (*Superblock)(unsafe.Pointer(&b[0])) }
func AsInode(b []byte) *Inode           { return (*Inode)(unsafe.Pointer(&b[0])) }
func AsBlockArrayPage(b []byte) *BlockArrayPage {
	return (*BlockArrayPage)(unsafe.Pointer(&b[0]))
}
func AsDirPage(b []byte) *DirPage             { return (*DirPage)(unsafe.Pointer(&b[0])) }
func AsInodeArrayPage(b []byte) *InodeArrayPage {
	return (*InodeArrayPage)(unsafe.Pointer(&b[0]))
}

// FileData/DirData/SymlinkData reinterpret an Inode's inline Payload union;
// callers must already know the inode's Type.

func (in *Inode) FileData() *InodeFileData {
	return (*InodeFileData)(unsafe.Pointer(&in.Payload[0]))
}

func (in *Inode) DirData() *InodeDirData {
	return (*InodeDirData)(unsafe.Pointer(&in.Payload[0]))
}

func (in *Inode) SymlinkData() *InodeSymlinkData {
	return (*InodeSymlinkData)(unsafe.Pointer(&in.Payload[0]))
}

// NameBytes returns d's name as a byte slice with no trailing NULs.
func (d *Dirent) NameBytes() []byte {
	return d.Name[:d.NameLen]
}

// IsFree reports whether a dirent slot is unused: "an empty slot has a
// zero-length name (first byte NUL) and a null inode handle" (§3.1).
func (d *Dirent) IsFree() bool {
	return d.NameLen == 0 && d.Inode == Null
}

// SetName stores name into the slot, truncated-checked by the caller
// (ENAMETOOLONG is a pathres/posix-layer concern, not layout's).
func (d *Dirent) SetName(name string) {
	d.NameLen = uint8(len(name))
	copy(d.Name[:], name)
	for i := len(name); i < len(d.Name); i++ {
		d.Name[i] = 0
	}
}

func (d *Dirent) Clear() {
	*d = Dirent{}
}

// TargetString returns the symlink target as a string.
func (s *InodeSymlinkData) TargetString() string {
	return string(s.Target[:s.Len])
}

func (s *InodeSymlinkData) SetTarget(target string) {
	s.Len = uint16(len(target))
	copy(s.Target[:], target)
}

// compile-time size assertions, the idiomatic way to pin down on-media
// layouts in Go (no reflect, no runtime cost): a record smaller than
// PageSize yields a non-empty array that does not match [0]struct{}, and a
// larger one overflows the constant array length; either fails to compile.
var (
	_ [0]struct{} = [PageSize - unsafe.Sizeof(Superblock{})]struct{}{}
	_ [0]struct{} = [PageSize - unsafe.Sizeof(Inode{})]struct{}{}
	_ [0]struct{} = [PageSize - unsafe.Sizeof(BlockArrayPage{})]struct{}{}
	_ [0]struct{} = [PageSize - unsafe.Sizeof(DirPage{})]struct{}{}
	_ [0]struct{} = [PageSize - unsafe.Sizeof(InodeArrayPage{})]struct{}{}
)
