package outnet

import "github.com/sirupsen/logrus"

// Log is the logger used by the library. It defaults to the standard logrus
// logger and can be replaced or configured by the embedding application.
var Log = logrus.StandardLogger()
