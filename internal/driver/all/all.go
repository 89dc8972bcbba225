// Package all registers every built-in driver.
package all

import (
	_ "github.com/moolen/nosql/internal/driver/cassandra"
	_ "github.com/moolen/nosql/internal/driver/falkordb"
	_ "github.com/moolen/nosql/internal/driver/mongo"
	_ "github.com/moolen/nosql/internal/driver/neo4j"
	_ "github.com/moolen/nosql/internal/driver/orientdb"
)
