/*
Package tinytable is a client for a small wide-column store speaking the
Bigtable v2 wire protocol. It pairs with the embeddable server in the emu
subpackage, which can run fully in memory or persist to leveldb on disk.

To get started, launch a server and connect to it with no security:

	srv, err := emu.NewServer("localhost:0")
	...
	client, err := tinytable.NewClient(ctx, srv.Addr, "project", "instance")
	...
	tbl := client.Open("mytable")

Reads return Rows, a mapping from column family to the cells stored under it.
Cells within one column are always ordered newest first. Scans can be scoped
with a RowSet (explicit keys, ranges, or both via RowSelection) and shaped
with composable Filters; results can be consumed with a callback (ReadRows)
or pulled lazily from a RowIterator (Read).
*/
package tinytable
