package mft

// dataRunExtent is one decoded extent: clusterCount clusters starting at
// logical cluster number lcn. A sparse run (zero offset delta) is never
// returned by next: it is skipped, and its zero delta leaves baseLcn as it
// was for the runs after it.
type dataRunExtent struct {
	lcn          int64
	clusterCount uint32
}

// dataRunDecoder walks the packed, variable-width run-length list that
// follows a non-resident attribute's header: each run is a length byte
// (low nibble = length field byte count, high nibble = offset field byte
// count) followed by that many length bytes and offset bytes. The run list
// ends at a zero length byte. Offsets are signed deltas relative to the
// previous run's LCN, so baseLcn accumulates across calls.
type dataRunDecoder struct {
	buf     []byte // remaining run-list bytes
	baseLcn int64
	pending dataRunExtent
	hasMore bool
}

func newDataRunDecoder(attribute []byte) *dataRunDecoder {
	runsOffset := nonResidentDataRunsOffset(attribute)
	d := &dataRunDecoder{hasMore: true}
	if int(runsOffset) < len(attribute) {
		d.buf = attribute[runsOffset:]
	}
	return d
}

// next returns the next extent, splitting it into pieces of at most
// maxClusters clusters each (the walker caps extents to bound its
// per-task read buffer size). It returns ok=false once the run list and
// any pending remainder are exhausted.
func (d *dataRunDecoder) next(maxClusters uint32) (dataRunExtent, bool) {
	for d.pending.clusterCount == 0 {
		if !d.hasMore || len(d.buf) == 0 || d.buf[0] == 0 {
			return dataRunExtent{}, false
		}
		header := d.buf[0]
		lengthFieldBytes := int(header & 0x0F)
		offsetFieldBytes := int(header >> 4)
		need := 1 + lengthFieldBytes + offsetFieldBytes
		if need > len(d.buf) {
			d.hasMore = false
			return dataRunExtent{}, false
		}

		var length uint64
		for i := 0; i < lengthFieldBytes; i++ {
			length |= uint64(d.buf[1+i]) << (8 * i)
		}

		var offset int64
		for i := 0; i < offsetFieldBytes; i++ {
			offset |= int64(d.buf[1+lengthFieldBytes+i]) << (8 * i)
		}
		if offsetFieldBytes > 0 && offsetFieldBytes < 8 {
			signBit := int64(1) << (offsetFieldBytes*8 - 1)
			if offset&signBit != 0 {
				offset |= ^int64(0) << (offsetFieldBytes * 8)
			}
		}

		d.baseLcn += offset
		d.pending.lcn = d.baseLcn
		if offset != 0 { // non-sparse run
			d.pending.clusterCount = uint32(length)
		}
		d.buf = d.buf[need:]
	}

	take := d.pending.clusterCount
	if take > maxClusters {
		take = maxClusters
	}
	entry := dataRunExtent{lcn: d.pending.lcn, clusterCount: take}
	d.pending.lcn += int64(take)
	d.pending.clusterCount -= take
	return entry, true
}
