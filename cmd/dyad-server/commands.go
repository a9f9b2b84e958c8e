package main

// commands builds the router with every command the server supports.
func (app *application) commands() *Router {
	router := NewRouter()

	// Generic
	router.Handle("PING", app.handlePing)
	router.Handle("DEL", app.handleDel)
	router.Handle("MEMORY", app.handleMemory)
	router.Handle("INFO", app.handleInfo)

	// Persistence control
	router.Handle("COMPACT", app.handleCompact)

	// Dyadic Count-Min sketches
	router.Handle("SK.INIT", app.handleSketchInit)
	router.Handle("SK.INITBYPROB", app.handleSketchInitByProb)
	router.Handle("SK.ADD", app.handleSketchAdd)
	router.Handle("SK.MERGE", app.handleSketchMerge)
	router.Handle("SK.COUNT", app.handleSketchCount)
	router.Handle("SK.RANGE", app.handleSketchRange)
	router.Handle("SK.CENTILE", app.handleSketchCentile)
	router.Handle("SK.HISTW", app.handleSketchHistWidth)
	router.Handle("SK.HISTD", app.handleSketchHistDepth)
	router.Handle("SK.EXPORT", app.handleSketchExport)
	router.Handle("SK.RESTORE", app.handleSketchRestore)

	return router
}
