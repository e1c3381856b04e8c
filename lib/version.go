package lib

const Version = "0.3.0"
