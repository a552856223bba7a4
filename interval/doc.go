/*Package interval implements a genomic overlap index: a per-contig interval
  tree mapping ranges to value sets, answering "what overlaps this range"
  queries.  Both sides of an overlap test can be shrunk by independent
  left/right buffers, so callers can choose whether intervals that merely
  touch count as overlapping.

  ReadBED and LoadBED populate an index from BED annotation files.
*/
package interval
