package layout

// Magic - First bytes of every database file
var Magic = [MagicLength]byte{'f', 'i', 'l', 'e', 't', 'd', 'b', ' ', 'f', 'i', 'l', 'e', '\n', 0, 0, 0}

// MagicLength - Length of the magic at the start of the header
const MagicLength = 16

// Version - On-disk format version, any incompatible change of the layout must bump it
const Version uint32 = 1

// HeaderLength - Length of the file header
const HeaderLength int64 = 128

// versionOffset - Header offset to the format version - 4 bytes
const versionOffset int64 = 16

// hashSizeOffset - Header offset to the number of buckets in the hash directory - 4 bytes
const hashSizeOffset int64 = 20

// freeClassesOffset - Header offset to the number of free list size classes - 4 bytes
const freeClassesOffset int64 = 24

// hashCheckOffset - Header offset to the hash check value - 8 bytes
const hashCheckOffset int64 = 32

// dataEndOffset - Header offset to the end of the record area - 8 bytes
const dataEndOffset int64 = 40

// RecoveryStartOffset - Header offset to the recovery area offset, zero if there is none - 8 bytes
const RecoveryStartOffset int64 = 48

// sequenceOffset - Header offset to the sequence number - 8 bytes
const sequenceOffset int64 = 56

// freeListOffsetOffset - Header offset to the offset of the free list heads - 8 bytes
const freeListOffsetOffset int64 = 64

// FreeListOffset - Offset of the free list heads, directly after the header
const FreeListOffset = HeaderLength

// FreeClasses - Number of free list size classes
const FreeClasses int64 = 8

// OffsetLength - Length of a file offset stored in the file
const OffsetLength int64 = 8

// MaxHashSize - Largest supported hash directory
const MaxHashSize int64 = 1 << 24

// DefaultHashSize - Hash directory size used when none is requested
const DefaultHashSize int64 = 131

// RecordMagic - Magic of a live record
const RecordMagic uint32 = 0x26011999

// FreeMagic - Magic of a block in a free list
const FreeMagic uint32 = 0xd9fee666

// RecoveryMagic - Magic of a valid recovery area
const RecoveryMagic uint32 = 0xf53bc0e7

// RecoveryInvalidMagic - Magic of a recovery area that must not be replayed
const RecoveryInvalidMagic uint32 = 0

// EnvelopeLength - Length of the record envelope preceding key and value
const EnvelopeLength int64 = 40

// TailerLength - Length of the block length copy stored last in every block
const TailerLength int64 = 8

// BlockAlignment - All blocks start and end on this alignment
const BlockAlignment int64 = 8

// MinBlockLength - Smallest block that can exist on its own
const MinBlockLength = EnvelopeLength + TailerLength

// MaxKeyLength - Longest supported key
const MaxKeyLength int64 = 1<<32 - 1

// MaxValueLength - Longest supported value
const MaxValueLength int64 = 1<<32 - 1

// Envelope field offsets, relative to the start of a block
const (
	envMagicOffset       int64 = 0
	envKeyLengthOffset   int64 = 4
	envValueLengthOffset int64 = 8
	envHashOffset        int64 = 16
	envTotalLengthOffset int64 = 24
	// EnvNextOffset - Offset of the next pointer inside a block, used to relink chains and free lists
	EnvNextOffset int64 = 32
)

// Lock offsets. They only name byte ranges for the advisory lock table and do not have
// to correspond to the data stored at those offsets.
const (
	// OpenLockOffset - Held exclusively while opening
	OpenLockOffset int64 = 0
	// ActiveLockOffset - Held shared by every live handle
	ActiveLockOffset int64 = 4
	// TransactionLockOffset - Held exclusively for the life of a transaction
	TransactionLockOffset int64 = 8
	// AllocationLockOffset - Held exclusively while touching free lists or the header
	AllocationLockOffset int64 = 12
	// ChainLockBase - Chain lock of bucket n is at ChainLockBase + n
	ChainLockBase int64 = 16
)

// RecoveryHeaderLength - Length of the recovery area header
const RecoveryHeaderLength int64 = 40

// Recovery header field offsets, relative to the start of the recovery area
const (
	recMagicOffset         int64 = 0
	recCapacityOffset      int64 = 8
	recPayloadLengthOffset int64 = 16
	recOldDataEndOffset    int64 = 24
	recChecksumOffset      int64 = 32
)

// RecoveryAlignment - Recovery areas start and are sized on this alignment
const RecoveryAlignment int64 = 4096
