// Package releasecache implements persistence for resolved release lists.
//
// The FileRepository stores one JSON file per repository identifier, carrying
// the entity tag, the release list and an absolute expiry. The resolver depends
// on the Repository interface.
package releasecache
