// Package download streams remote artifacts to disk and installs them.
//
// Every job writes to a "<name>.downloading" temp file in the destination
// directory, renames it into place as the commit point, re-validates the size
// and optionally unpacks the archive. Progress is published as a finite
// stream of Event values per job, followed by a single terminal result.
package download
