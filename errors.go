package filetdb

// StopTraverse - Returned by a Traverse visit function to end the traversal early without an error
type StopTraverse struct{}

// Error - Used to notify that the traversal was stopped by the caller
func (E StopTraverse) Error() string {
	return "traverse stopped"
}
