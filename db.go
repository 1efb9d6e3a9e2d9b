package bptreekv

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Options configures Open. It mirrors the teacher's OpenWithOptions
// shape: a plain struct, no config file or env var layer.
type Options struct {
	// PageSize is only honored when creating a new file; an existing
	// file's page size (stored in its meta pages) always wins.
	PageSize int
	// InitialMmapSize is accepted but not read: Open maps exactly the
	// file's current size, and the map only grows when a commit needs
	// pages past its end.
	InitialMmapSize int
	// FillPercent controls how full a page is allowed to get before
	// a writer spills it into multiple pages. Clamped to [0.1, 1.0].
	FillPercent float64
	// ReadOnly opens the file O_RDONLY and maps it without write
	// permission; Begin(true) on such a DB returns ErrTxReadOnly.
	ReadOnly bool
	// Logger receives the occasional operational line (meta
	// recovery, in particular). A nil Logger discards everything.
	Logger *os.File
}

func (o Options) normalize() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.FillPercent <= 0 {
		o.FillPercent = DefaultFillPercent
	}
	return o
}

// DB is the open handle on a single-file store: the mmap, the double
// meta buffer, and the free list shared across transactions. Exactly
// one write transaction may be open at a time (db.writerMu); any
// number of read transactions may run concurrently against their own
// meta snapshot.
type DB struct {
	path     string
	file     *os.File
	data     mmap.MMap
	pageSize int
	readOnly bool
	opts     Options
	log      *logger

	writerMu sync.Mutex   // serializes writers, held for the life of a write Tx
	mmapMu   sync.RWMutex // guards db.data against concurrent remap

	metaMu    sync.Mutex
	meta      meta
	metaPage  uint64 // which of page 0/1 currently holds `meta`
	freelist  *freeList
	nextPgid  uint64
	readers   map[uint64]int
	closed    bool
}

// Open creates the file if it doesn't exist (initializing a fresh
// empty store) or opens an existing one, validating its meta pair.
func Open(path string, opts *Options) (*DB, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o = o.normalize()

	flag := os.O_RDWR | os.O_CREATE
	if o.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, wrapIO("open", err)
	}

	db := &DB{
		path:     path,
		file:     file,
		opts:     o,
		readOnly: o.ReadOnly,
		readers:  make(map[uint64]int),
		log:      newLogger(logInfo, o.Logger),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, wrapIO("stat", err)
	}

	if info.Size() == 0 {
		if o.ReadOnly {
			file.Close()
			return nil, fmt.Errorf("bptreekv: cannot initialize a new file read-only")
		}
		if err := db.init(o); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := db.loadExisting(info.Size()); err != nil {
			file.Close()
			return nil, err
		}
	}

	return db, nil
}

// init lays out a brand-new file: meta pages 0 and 1 (txid 0 and 1,
// the second the only valid one), an empty free-list page, and an
// empty leaf root page. It deliberately never truncates an existing
// file — unlike the Rust original's DBInner::open, which unconditionally
// calls set_len(0); see SPEC_FULL.md §8.
func (db *DB) init(o Options) error {
	db.pageSize = o.PageSize
	size := o.PageSize * 4
	if err := db.file.Truncate(int64(size)); err != nil {
		return wrapIO("truncate", err)
	}
	if err := db.mapTo(size); err != nil {
		return err
	}

	buf := make([]byte, o.PageSize)
	page(buf).setID(0)
	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return wrapIO("write meta0", err)
	}

	m := meta{
		magic:    metaMagic,
		version:  metaVersion,
		pageSize: uint32(o.PageSize),
		root:     3,
		freelist: 2,
		pgid:     4,
		txid:     1,
	}
	metaBuf := make([]byte, o.PageSize)
	page(metaBuf).setID(1)
	writeMeta(page(metaBuf), m)
	if _, err := db.file.WriteAt(metaBuf, int64(o.PageSize)); err != nil {
		return wrapIO("write meta1", err)
	}

	fl := newFreeList()
	flBuf := make([]byte, o.PageSize)
	page(flBuf).setID(2)
	if err := fl.write(page(flBuf)); err != nil {
		return err
	}
	if _, err := db.file.WriteAt(flBuf, int64(2*o.PageSize)); err != nil {
		return wrapIO("write freelist", err)
	}

	rootBuf := make([]byte, o.PageSize)
	page(rootBuf).setID(3)
	page(rootBuf).setFlags(flagLeaf)
	if _, err := db.file.WriteAt(rootBuf, int64(3*o.PageSize)); err != nil {
		return wrapIO("write root", err)
	}

	if err := fdatasync(db.file); err != nil {
		return wrapIO("sync", err)
	}

	db.meta = m
	db.metaPage = metaPage1
	db.freelist = fl
	db.nextPgid = m.pgid
	return db.mapTo(size)
}

// loadExisting maps an existing file and picks whichever of the two
// meta pages is valid and carries the higher txid (spec.md §4.2). If
// only one validates, that one silently wins — and is logged, since a
// caller deserves to know the store picked the other half of the pair.
func (db *DB) loadExisting(size int64) error {
	// Meta page 0 sits at offset 0 whatever the page size; a valid meta 0
	// supplies the file's own page size for locating meta page 1,
	// otherwise the configured page size is used.
	db.pageSize = db.opts.PageSize
	if err := db.mapTo(int(size)); err != nil {
		return err
	}
	p0, err0 := db.pageAt(0)
	var m0 meta
	if err0 == nil {
		m0, err0 = readMeta(p0)
	}
	if err0 == nil && m0.pageSize > 0 {
		db.pageSize = int(m0.pageSize)
	}
	p1, err1 := db.pageAt(1)
	var m1 meta
	if err1 == nil {
		m1, err1 = readMeta(p1)
	}

	var chosen meta
	var chosenPage uint64
	switch {
	case err0 == nil && err1 == nil:
		if m1.txid > m0.txid {
			chosen, chosenPage = m1, metaPage1
		} else {
			chosen, chosenPage = m0, metaPage0
		}
	case err0 == nil:
		chosen, chosenPage = m0, metaPage0
		db.log.infof("meta page 1 failed validation (%v), using meta page 0", err1)
	case err1 == nil:
		chosen, chosenPage = m1, metaPage1
		db.log.infof("meta page 0 failed validation (%v), using meta page 1", err0)
	default:
		return err0
	}

	db.pageSize = int(chosen.pageSize)
	db.meta = chosen
	db.metaPage = chosenPage
	db.nextPgid = chosen.pgid

	flPage, err := db.pageAt(chosen.freelist)
	if err != nil {
		return err
	}
	fl := newFreeList()
	if err := fl.read(flPage); err != nil {
		return err
	}
	db.freelist = fl
	return nil
}

func (db *DB) mapTo(size int) error {
	db.mmapMu.Lock()
	defer db.mmapMu.Unlock()
	if db.data != nil {
		if err := db.data.Unmap(); err != nil {
			return wrapIO("unmap", err)
		}
	}
	prot := mmap.RDWR
	if db.readOnly {
		prot = mmap.RDONLY
	}
	data, err := mmap.MapRegion(db.file, size, prot, 0, 0)
	if err != nil {
		return wrapIO("mmap", err)
	}
	db.data = data
	return nil
}

// grow extends the file and remaps it so that pages up to (and
// including) maxPgid exist. Growth follows the same doubling-then-cap
// shape as the Rust original's mmap_size: double from the current
// size up to a 1GiB step, then grow by flat 1GiB increments past that.
func (db *DB) grow(maxPgid uint64) error {
	required := int((maxPgid + 1) * uint64(db.pageSize))
	if required <= len(db.data) {
		return nil
	}
	const stepCap = 1 << 30
	newSize := len(db.data)
	if newSize == 0 {
		newSize = db.pageSize * 4
	}
	for newSize < required {
		if newSize < stepCap {
			newSize *= 2
		} else {
			newSize += stepCap
		}
	}
	if err := db.file.Truncate(int64(newSize)); err != nil {
		return wrapIO("truncate", err)
	}
	return db.mapTo(newSize)
}

// pageAt resolves id to a bounds-checked view over the mmap, including
// every page the span (1+overflow) covers.
func (db *DB) pageAt(id uint64) (page, error) {
	db.mmapMu.RLock()
	defer db.mmapMu.RUnlock()
	start := int(id) * db.pageSize
	if start < 0 || start+pageHeaderSize > len(db.data) {
		return nil, fmt.Errorf("bptreekv: page %d out of file bounds", id)
	}
	hdr := page(db.data[start : start+pageHeaderSize])
	span := int(hdr.span())
	end := start + span*db.pageSize
	if end > len(db.data) {
		return nil, fmt.Errorf("bptreekv: page %d span exceeds file bounds", id)
	}
	return page(db.data[start:end]), nil
}

// Begin starts a transaction. A writable transaction blocks until any
// other writer has committed or rolled back (spec.md: a single
// exclusive writer at a time); a read-only transaction never blocks
// and observes a stable snapshot of meta until it closes.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if writable && db.readOnly {
		return nil, ErrTxReadOnly
	}
	if writable {
		db.writerMu.Lock()
	}

	db.metaMu.Lock()
	m := db.meta
	db.metaMu.Unlock()

	tx := &Tx{
		db:          db,
		writable:    writable,
		meta:        m,
		fillPercent: db.opts.FillPercent,
	}

	if writable {
		tx.txid = m.txid + 1
		tx.nodes = make(map[uint64]*node)
		tx.pages = make(map[uint64]page)
		tx.freelist = db.freelist.clone()
		tx.nextPgid = m.pgid
	} else {
		tx.txid = m.txid
		db.metaMu.Lock()
		db.readers[tx.txid]++
		db.metaMu.Unlock()
	}

	return tx, nil
}

func (db *DB) releaseReader(txid uint64) {
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	if db.readers[txid] <= 1 {
		delete(db.readers, txid)
	} else {
		db.readers[txid]--
	}
}

// minReaderTxID returns the oldest snapshot any open read transaction
// still depends on, or ok=false if there are none open.
func (db *DB) minReaderTxID() (id uint64, ok bool) {
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	for txid := range db.readers {
		if !ok || txid < id {
			id, ok = txid, true
		}
	}
	return id, ok
}

// commitWriter runs the durable commit pipeline (spec.md §4.8): flush
// every dirty page, fsync, flip the meta slot, fsync again.
func (db *DB) commitWriter(tx *Tx) error {
	if err := db.grow(tx.highestPgid()); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(tx.pages))
	for id := range tx.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	db.mmapMu.RLock()
	for _, id := range ids {
		buf := tx.pages[id]
		offset := int(id) * db.pageSize
		copy(db.data[offset:offset+len(buf)], buf)
	}
	db.mmapMu.RUnlock()

	if err := fdatasync(db.file); err != nil {
		return wrapIO("sync data", err)
	}

	newMeta := tx.meta
	newMeta.magic = metaMagic
	newMeta.version = metaVersion
	newMeta.pageSize = uint32(db.pageSize)
	newMetaPage := metaPage0
	if tx.txid&1 == 1 {
		newMetaPage = metaPage1
	}

	buf := make([]byte, db.pageSize)
	page(buf).setID(newMetaPage)
	writeMeta(page(buf), newMeta)

	db.mmapMu.RLock()
	offset := int(newMetaPage) * db.pageSize
	copy(db.data[offset:offset+db.pageSize], buf)
	db.mmapMu.RUnlock()

	if err := fdatasync(db.file); err != nil {
		return wrapIO("sync meta", err)
	}

	minReader, haveReader := db.minReaderTxID()
	boundary := tx.txid
	if haveReader && minReader < boundary {
		boundary = minReader
	}
	tx.freelist.release(boundary)

	db.metaMu.Lock()
	db.meta = newMeta
	db.metaPage = newMetaPage
	db.freelist = tx.freelist
	db.nextPgid = tx.nextPgid
	db.metaMu.Unlock()

	return nil
}

// Close flushes nothing beyond what's already durable (every commit is
// already fsynced) and releases the mmap and file handle.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.mmapMu.Lock()
	if db.data != nil {
		_ = db.data.Unmap()
		db.data = nil
	}
	db.mmapMu.Unlock()
	return wrapIO("close", db.file.Close())
}
